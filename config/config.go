// Package config loads FTP session profiles from TOML files.
//
// A file holds one table per profile:
//
//	[mirror]
//	host = "ftp.example.com"
//	user = "anonymous"
//	password = "guest@example.com"
//	security = "explicit"
//	charset = "ISO-8859-1"
//	idle_timeout = "2m"
package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/gonzalop/ftpclient"
)

// DefaultPort is used when a profile has no port.
const DefaultPort = 21

// Profile describes how to reach and log in to one server.
type Profile struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Account  string `toml:"account"`

	// Security is "none", "explicit" or "implicit".
	Security           string `toml:"security"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`

	Active        bool   `toml:"active"`
	ActivePortMin int    `toml:"active_port_min"`
	ActivePortMax int    `toml:"active_port_max"`
	ActiveAddress string `toml:"active_address"`
	Proxy         string `toml:"proxy"`

	// TransferType is "binary" or "text".
	TransferType string `toml:"transfer_type"`
	// MLSD is "auto", "always" or "never".
	MLSD           string `toml:"mlsd"`
	Charset        string `toml:"charset"`
	Compression    bool   `toml:"compression"`
	BandwidthLimit int64  `toml:"bandwidth_limit"`

	// Durations use time.ParseDuration syntax, e.g. "30s".
	Timeout     string `toml:"timeout"`
	IOTimeout   string `toml:"io_timeout"`
	IdleTimeout string `toml:"idle_timeout"`
}

// Load reads the profile called name from a TOML file.
func Load(path, name string) (*Profile, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return fromTree(tree, name)
}

// Parse reads the profile called name from TOML data.
func Parse(data []byte, name string) (*Profile, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("invalid profile file: %w", err)
	}
	return fromTree(tree, name)
}

// Names returns the profiles defined in a TOML file.
func Names(path string) ([]string, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var names []string
	for _, key := range tree.Keys() {
		if _, ok := tree.Get(key).(*toml.Tree); ok {
			names = append(names, key)
		}
	}
	return names, nil
}

func fromTree(tree *toml.Tree, name string) (*Profile, error) {
	sub, ok := tree.Get(name).(*toml.Tree)
	if !ok {
		return nil, fmt.Errorf("profile %q not found", name)
	}
	p := &Profile{}
	if err := sub.Unmarshal(p); err != nil {
		return nil, fmt.Errorf("invalid profile %q: %w", name, err)
	}
	if p.Host == "" {
		return nil, fmt.Errorf("profile %q has no host", name)
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	return p, nil
}

// Options converts the profile into session options.
func (p *Profile) Options(logger *slog.Logger) ([]ftpclient.Option, error) {
	var opts []ftpclient.Option
	if logger != nil {
		opts = append(opts, ftpclient.WithLogger(logger))
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: p.InsecureSkipVerify}
	switch strings.ToLower(p.Security) {
	case "", "none":
	case "explicit":
		opts = append(opts, ftpclient.WithExplicitTLS(tlsConfig))
	case "implicit":
		opts = append(opts, ftpclient.WithImplicitTLS(tlsConfig))
	default:
		return nil, fmt.Errorf("unknown security mode %q", p.Security)
	}

	if p.Active {
		opts = append(opts, ftpclient.WithActiveMode())
	}
	if p.ActivePortMin != 0 || p.ActivePortMax != 0 {
		opts = append(opts, ftpclient.WithActivePortRange(p.ActivePortMin, p.ActivePortMax))
	}
	if p.ActiveAddress != "" {
		opts = append(opts, ftpclient.WithActiveAddress(p.ActiveAddress))
	}
	if p.Proxy != "" {
		u, err := url.Parse(p.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		opts = append(opts, ftpclient.WithProxy(u))
	}

	switch strings.ToLower(p.TransferType) {
	case "", "binary":
	case "text", "ascii":
		opts = append(opts, ftpclient.WithTransferType(ftpclient.TypeTextual))
	default:
		return nil, fmt.Errorf("unknown transfer type %q", p.TransferType)
	}

	switch strings.ToLower(p.MLSD) {
	case "", "auto":
	case "always":
		opts = append(opts, ftpclient.WithMLSDPolicy(ftpclient.MLSDAlways))
	case "never":
		opts = append(opts, ftpclient.WithMLSDPolicy(ftpclient.MLSDNever))
	default:
		return nil, fmt.Errorf("unknown MLSD policy %q", p.MLSD)
	}

	if p.Charset != "" {
		opts = append(opts, ftpclient.WithCharset(p.Charset))
	}
	if p.Compression {
		opts = append(opts, ftpclient.WithCompression())
	}
	if p.BandwidthLimit > 0 {
		opts = append(opts, ftpclient.WithBandwidthLimit(p.BandwidthLimit))
	}

	durations := []struct {
		value string
		name  string
		opt   func(time.Duration) ftpclient.Option
	}{
		{p.Timeout, "timeout", ftpclient.WithTimeout},
		{p.IOTimeout, "io_timeout", ftpclient.WithIOTimeout},
		{p.IdleTimeout, "idle_timeout", ftpclient.WithIdleTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		opts = append(opts, d.opt(v))
	}
	return opts, nil
}

// Dial creates a session from the profile, connects and logs in.
func (p *Profile) Dial(ctx context.Context, logger *slog.Logger) (*ftpclient.Session, error) {
	opts, err := p.Options(logger)
	if err != nil {
		return nil, err
	}
	s, err := ftpclient.New(opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.Connect(ctx, p.Host, p.Port); err != nil {
		return nil, err
	}
	if err := s.LoginAccount(p.User, p.Password, p.Account); err != nil {
		_ = s.Disconnect(false)
		return nil, err
	}
	return s, nil
}
