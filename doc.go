// Package ftpfs exposes a remote FTP or FTPS server as a file system.
//
// # Overview
//
// A Filesystem owns a small pool of sessions. Each session keeps one control
// connection logged in, changed into the configured root and, optionally,
// switched to UTF-8. Sessions reconnect by themselves once they have been idle
// for longer than Config.Timeout. Every operation borrows a session for its
// whole duration, so commands of different operations never interleave on the
// same connection.
//
// Supported features:
//   - Plain FTP, explicit TLS (AUTH TLS) and implicit TLS
//   - Passive (EPSV with PASV fallback) and active (PORT/EPRT) data connections
//   - SOCKS5 and HTTP CONNECT proxies
//   - Unix and Windows/DOS LIST output, detected per server
//   - Pure-FTPd glob escaping
//   - Bandwidth limiting and Prometheus metrics
//
// # Basic Usage
//
//	cfg := ftpfs.DefaultConfig()
//	cfg.Host = "ftp.example.com"
//	cfg.Username, cfg.Password = "user", "secret"
//	cfg.Root = "/srv/files"
//
//	fsys, err := ftpfs.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fsys.Close()
//
//	err = fsys.Write(ctx, "reports/2024.csv", data, ftpfs.WriteOptions{
//	    Visibility: ftpfs.VisibilityPrivate,
//	})
//
// Paths are relative to the root the server reported after login. Parent
// directories are created on write.
//
// # Listing
//
// ListContents returns an iterator. Listings are fetched before anything is
// yielded, so the loop body may call other Filesystem methods:
//
//	for entry, err := range fsys.ListContents(ctx, "reports", true) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(entry.Path, entry.Size)
//	}
//
// A listing that cannot be fetched yields nothing. A line that cannot be
// parsed yields a *ListingError and ends the iteration.
//
// # Error Handling
//
// Operations return *OperationError. Its Kind is one of the ErrUnableTo
// sentinels, so callers can test with errors.Is:
//
//	if errors.Is(err, ftpfs.ErrUnableToRead) {
//	    // ...
//	}
//
// Connection problems additionally match ErrConnection, and unexpected
// server replies can be unwrapped to *ProtocolError:
//
//	var perr *ftpfs.ProtocolError
//	if errors.As(err, &perr) && perr.IsPermanent() {
//	    log.Printf("server said %d: %s", perr.Code, perr.Response)
//	}
//
// # Lower Layers
//
// Session and Transport are exported for callers that need raw commands:
//
//	err := fsys.WithSession(ctx, func(s *ftpfs.Session) error {
//	    reply, err := s.SendCommand(ctx, "SITE IDLE 600")
//	    if err != nil {
//	        return err
//	    }
//	    log.Println(reply.Code)
//	    return nil
//	})
package ftpfs
