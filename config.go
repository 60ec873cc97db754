package ftpfs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// TLSMode selects how the control connection is secured.
type TLSMode string

const (
	// TLSNone is plain FTP.
	TLSNone TLSMode = "none"
	// TLSExplicit upgrades the control connection with AUTH TLS.
	TLSExplicit TLSMode = "explicit"
	// TLSImplicit speaks TLS from the first byte, usually on port 990.
	TLSImplicit TLSMode = "implicit"
)

// SystemType names a directory listing dialect.
type SystemType string

const (
	SystemUnix    SystemType = "unix"
	SystemWindows SystemType = "windows"
)

// Config holds every connection setting. It is copied into each Session and
// never changed after New.
type Config struct {
	Host     string `toml:"host" validate:"required"`
	Port     int    `toml:"port" validate:"min=1,max=65535"`
	Username string `toml:"username" validate:"required"`
	Password string `toml:"password"`

	// Root is changed into after login. The directory the server reports
	// afterwards becomes the prefix of every path.
	Root string `toml:"root"`

	TLS        TLSMode `toml:"tls" validate:"omitempty,oneof=none explicit implicit"`
	VerifyPeer bool    `toml:"verify_peer"`
	VerifyHost bool    `toml:"verify_host"`

	// Timeout bounds each network exchange and is also the idle time after
	// which a session reconnects, in seconds.
	Timeout int `toml:"timeout" validate:"min=1"`

	UTF8        bool `toml:"utf8"`
	Passive     bool `toml:"passive"`
	SkipPasvIP  bool `toml:"skip_pasv_ip"`
	DisableEPSV bool `toml:"disable_epsv"`

	ProxyType     string `toml:"proxy_type" validate:"omitempty,oneof=socks5 http"`
	ProxyHost     string `toml:"proxy_host" validate:"required_with=ProxyType"`
	ProxyPort     int    `toml:"proxy_port" validate:"omitempty,min=1,max=65535"`
	ProxyUsername string `toml:"proxy_username"`
	ProxyPassword string `toml:"proxy_password"`

	Verbose bool `toml:"verbose"`

	// TimestampsOnUnixListings derives modification times from Unix LIST
	// output, which is lossy.
	TimestampsOnUnixListings bool `toml:"timestamps_on_unix_listings"`

	// RecurseManually lists deep trees with one LIST per directory instead of
	// a single LIST -R.
	RecurseManually bool `toml:"recurse_manually"`

	// SystemType forces a listing dialect instead of detecting it.
	SystemType SystemType `toml:"system_type" validate:"omitempty,oneof=unix windows"`

	// Timezone is used to interpret listing timestamps. Empty means UTC.
	Timezone string `toml:"timezone" validate:"omitempty,timezone"`

	// BandwidthLimit caps data transfers in bytes per second. Zero is
	// unlimited.
	BandwidthLimit int64 `toml:"bandwidth_limit" validate:"min=0"`

	// Concurrency is the maximum number of live sessions.
	Concurrency int `toml:"concurrency" validate:"min=1"`
}

// DefaultConfig returns a Config with the stock defaults filled in.
func DefaultConfig() Config {
	return Config{
		Port:            21,
		Username:        "anonymous",
		TLS:             TLSNone,
		VerifyPeer:      true,
		VerifyHost:      true,
		Timeout:         90,
		Passive:         true,
		SkipPasvIP:      true,
		RecurseManually: true,
		Concurrency:     1,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the config against its field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: field %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates the
// result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes TOML text on top of DefaultConfig and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Address returns host:port of the server.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c Config) location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// proxyURL renders the proxy settings as a URL understood by
// golang.org/x/net/proxy, or "" when no proxy is configured.
func (c Config) proxyURL() string {
	if c.ProxyType == "" {
		return ""
	}
	port := c.ProxyPort
	if port == 0 {
		port = 1080
		if c.ProxyType == "http" {
			port = 8080
		}
	}
	u := url.URL{Scheme: c.ProxyType, Host: net.JoinHostPort(c.ProxyHost, strconv.Itoa(port))}
	if c.ProxyUsername != "" {
		u.User = url.UserPassword(c.ProxyUsername, c.ProxyPassword)
	}
	return u.String()
}

// transportOptions is the baseline option set of a session's Transport.
func (c Config) transportOptions() Options {
	return Options{
		OptAddress:        c.Address(),
		OptUsername:       c.Username,
		OptPassword:       c.Password,
		OptTLSMode:        c.TLS,
		OptVerifyPeer:     c.VerifyPeer,
		OptVerifyHost:     c.VerifyHost,
		OptConnectTimeout: c.timeout(),
		OptPassive:        c.Passive,
		OptSkipPasvIP:     c.SkipPasvIP,
		OptDisableEPSV:    c.DisableEPSV,
		OptProxyURL:       c.proxyURL(),
		OptVerbose:        c.Verbose,
		OptBandwidthLimit: c.BandwidthLimit,
	}
}

// newTLSConfig builds the client TLS settings. With verifyPeer off nothing is
// checked; with verifyHost off the chain is verified but the name is not.
func newTLSConfig(host string, verifyPeer, verifyHost bool) *tls.Config {
	cfg := &tls.Config{
		ServerName:         host,
		ClientSessionCache: tls.NewLRUClientSessionCache(0),
	}
	switch {
	case !verifyPeer:
		cfg.InsecureSkipVerify = true
	case !verifyHost:
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly
	}
	return cfg
}

func verifyChainOnly(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return errors.New("tls: server sent no certificate")
	}
	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("tls: parse certificate: %w", err)
		}
		certs[i] = cert
	}
	opts := x509.VerifyOptions{Intermediates: x509.NewCertPool()}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(opts)
	return err
}
