// Package userdata builds the configuration handed to the encryption agent
// through instance user data or instance metadata.
package userdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/klauspost/compress/gzip"
)

// Agent modes
const (
	ModeCreator   = "creator"
	ModeUpdater   = "updater"
	ModeMetavisor = "metavisor"
)

// ContentTypeBrktConfig is the MIME type of the agent configuration part.
const ContentTypeBrktConfig = "text/brkt-config"

// Endpoint is a host:port pair of a Bracket service.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// Environment is the set of service endpoints the agent talks to.
type Environment struct {
	API      Endpoint
	HSMProxy Endpoint
}

var (
	hostPort  = regexp.MustCompile(`^([^:]+):(\d+)$`)
	dnsLabel  = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
	validMode = map[string]bool{ModeCreator: true, ModeUpdater: true, ModeMetavisor: true}
)

func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 255 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !dnsLabel.MatchString(label) {
			return false
		}
	}
	return true
}

func parseEndpoint(s string) (Endpoint, error) {
	m := hostPort.FindStringSubmatch(s)
	if m == nil {
		return Endpoint{}, errors.Validationf("malformed endpoint: %s", s)
	}
	if !validHost(m[1]) {
		return Endpoint{}, errors.Validationf("invalid hostname: %s", m[1])
	}
	port, err := strconv.Atoi(m[2])
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, errors.Validationf("invalid port in endpoint: %s", s)
	}
	return Endpoint{Host: m[1], Port: port}, nil
}

// ParseEnvironment parses "api_host:port,hsmproxy_host:port".
func ParseEnvironment(s string) (*Environment, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return nil, errors.Validationf("brkt-env requires two values")
	}
	api, err := parseEndpoint(parts[0])
	if err != nil {
		return nil, err
	}
	hsm, err := parseEndpoint(parts[1])
	if err != nil {
		return nil, err
	}
	return &Environment{API: api, HSMProxy: hsm}, nil
}

// InstanceConfig is the agent configuration of one helper instance.
type InstanceConfig struct {
	Mode        string
	StatusPort  int
	NTPServers  []string
	Environment *Environment
}

// Validate checks the configuration.
func (c *InstanceConfig) Validate() error {
	if !validMode[c.Mode] {
		return errors.Validationf("unknown agent mode %q", c.Mode)
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return errors.Validationf("status port %d out of range", c.StatusPort)
	}
	for _, s := range c.NTPServers {
		if !validHost(s) {
			return errors.Validationf("invalid ntp server: %s", s)
		}
	}
	return nil
}

// Brkt returns the contents of the "brkt" configuration object.
func (c *InstanceConfig) Brkt() map[string]any {
	brkt := map[string]any{"solo_mode": c.Mode}
	if c.StatusPort > 0 {
		brkt["status_port"] = c.StatusPort
	}
	if len(c.NTPServers) > 0 {
		brkt["ntp_servers"] = c.NTPServers
	}
	if env := c.Environment; env != nil {
		brkt["api_host"] = env.API.String()
		brkt["hsmproxy_host"] = env.HSMProxy.String()
	}
	return brkt
}

// JSON returns {"brkt": {...}}.
func (c *InstanceConfig) JSON() ([]byte, error) {
	data, err := json.Marshal(map[string]any{"brkt": c.Brkt()})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode agent config")
	}
	return data, nil
}

// UserData returns a MIME multipart document with the agent configuration
// as its text/brkt-config part.
func (c *InstanceConfig) UserData() ([]byte, error) {
	config, err := c.JSON()
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {ContentTypeBrktConfig + `; charset="utf-8"`},
		"Mime-Version":              {"1.0"},
		"Content-Transfer-Encoding": {"7bit"},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create user data part")
	}
	if _, err := part.Write(config); err != nil {
		return nil, errors.Wrap(err, "failed to write user data part")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish user data")
	}

	var doc bytes.Buffer
	fmt.Fprintf(&doc, "Content-Type: multipart/mixed; boundary=%q\r\n", w.Boundary())
	doc.WriteString("MIME-Version: 1.0\r\n\r\n")
	doc.Write(body.Bytes())
	return doc.Bytes(), nil
}

// Gzip compresses user data. EC2 caps user data at 16KB and the agent
// accepts gzip input.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gzip writer")
	}
	if _, err := zw.Write(data); err != nil {
		return nil, errors.Wrap(err, "failed to compress user data")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to compress user data")
	}
	return buf.Bytes(), nil
}

// MetadataItem is one instance metadata entry.
type MetadataItem struct {
	Key   string
	Value string
}

// Metadata returns the agent configuration as instance metadata: a single
// "brkt" item holding the JSON encoding of the brkt object.
func (c *InstanceConfig) Metadata() ([]MetadataItem, error) {
	data, err := json.Marshal(c.Brkt())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode agent metadata")
	}
	return []MetadataItem{{Key: "brkt", Value: string(data)}}, nil
}
