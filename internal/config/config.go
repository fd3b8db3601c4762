// Package config implements the chasquid configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
)

// Config holds the daemon-wide configuration, loaded from chasquid.conf.
//
// There is no generated protobuf message backing this (see DESIGN.md):
// the file format is a small subset of the protobuf text format (repeated
// "key: value" lines, repeatable for list fields), parsed by hand below.
type Config struct {
	Hostname string

	MaxDataSizeMb int64

	SmtpAddress              []string
	SubmissionAddress        []string
	SubmissionOverTlsAddress []string

	MonitoringAddress string

	MailDeliveryAgentBin  string
	MailDeliveryAgentArgs []string

	DataDir string

	SuffixSeparators string
	DropCharacters   string

	MailLogPath string

	DovecotAuth       bool
	DovecotUserdbPath string
	DovecotClientPath string

	HaproxyIncoming bool

	MaxQueueItems   int64
	GiveUpSendAfter string

	// DmarcReportAddress is the address aggregate/failure DMARC reports are
	// sent from, when reporting is enabled. Empty disables it.
	DmarcReportAddress string

	// TlsReportAddress is the equivalent for SMTP TLS (RFC 8460) reports.
	TlsReportAddress string

	// DnsResolverAddr is the "host:port" of the recursive resolver used
	// for MX/TLSA/DMARC lookups. Empty means the local validating
	// resolver (127.0.0.1:53), which is required for DANE to be
	// meaningful.
	DnsResolverAddr string

	// ErrorsMax is how many failed (4xx/5xx) SMTP commands we tolerate on
	// a single connection before closing it.
	// https://tools.ietf.org/html/rfc5321#section-4.3.2
	ErrorsMax int64

	// ErrorsWait is how long to pause before closing a connection that hit
	// ErrorsMax, to slow down abusive or broken clients.
	ErrorsWait string
}

var defaultConfig = &Config{
	MaxDataSizeMb: 50,

	SmtpAddress:              []string{"systemd"},
	SubmissionAddress:        []string{"systemd"},
	SubmissionOverTlsAddress: []string{"systemd"},

	MailDeliveryAgentBin:  "maildrop",
	MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},

	DataDir: "/var/lib/chasquid",

	SuffixSeparators: "+",
	DropCharacters:   ".",

	MailLogPath: "<syslog>",

	MaxQueueItems:   200,
	GiveUpSendAfter: "20h",

	ErrorsMax:  3,
	ErrorsWait: "0s",
}

func cloneConfig(c *Config) *Config {
	cp := *c
	cp.SmtpAddress = append([]string{}, c.SmtpAddress...)
	cp.SubmissionAddress = append([]string{}, c.SubmissionAddress...)
	cp.SubmissionOverTlsAddress = append([]string{}, c.SubmissionOverTlsAddress...)
	cp.MailDeliveryAgentArgs = append([]string{}, c.MailDeliveryAgentArgs...)
	return &cp
}

// Load the config from the given file, with the given overrides (in the
// same format as the config file itself, typically passed via flag).
func Load(path, overrides string) (*Config, error) {
	// Start with a copy of the default config.
	c := cloneConfig(defaultConfig)

	// Load from the path.
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	fromFile, err := parse(string(buf))
	if err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(c, fromFile)

	// Handle command line overrides.
	fromOverrides, err := parse(overrides)
	if err != nil {
		return nil, fmt.Errorf("parsing override: %v", err)
	}
	override(c, fromOverrides)

	// Handle hostname separately, because if it is set, we don't need to
	// call os.Hostname which can fail.
	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	// Validate the GiveUpSendAfter value.
	if _, err := time.ParseDuration(c.GiveUpSendAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid give_up_send_after value %q: %v", c.GiveUpSendAfter, err)
	}

	// Validate the ErrorsWait value.
	if _, err := time.ParseDuration(c.ErrorsWait); err != nil {
		return nil, fmt.Errorf(
			"invalid errors_wait value %q: %v", c.ErrorsWait, err)
	}

	return c, nil
}

// parse reads a tiny subset of the protobuf text format: one "key: value"
// assignment per line, blank lines and "#"-prefixed comments ignored,
// string values optionally double-quoted. Nested messages ("key {") are not
// supported: a line without ':' is an error.
func parse(raw string) (*Config, error) {
	c := &Config{}

	for n, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			return nil, fmt.Errorf("line %d: missing ':' in %q", n+1, line)
		}

		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = val[1 : len(val)-1]
		}

		if err := setField(c, key, val); err != nil {
			return nil, fmt.Errorf("line %d: %v", n+1, err)
		}
	}

	return c, nil
}

func setField(c *Config, key, val string) error {
	switch key {
	case "hostname":
		c.Hostname = val
	case "max_data_size_mb":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid max_data_size_mb %q: %v", val, err)
		}
		c.MaxDataSizeMb = n
	case "smtp_address":
		c.SmtpAddress = append(c.SmtpAddress, val)
	case "submission_address":
		c.SubmissionAddress = append(c.SubmissionAddress, val)
	case "submission_over_tls_address":
		c.SubmissionOverTlsAddress = append(c.SubmissionOverTlsAddress, val)
	case "monitoring_address":
		c.MonitoringAddress = val
	case "mail_delivery_agent_bin":
		c.MailDeliveryAgentBin = val
	case "mail_delivery_agent_args":
		c.MailDeliveryAgentArgs = append(c.MailDeliveryAgentArgs, val)
	case "data_dir":
		c.DataDir = val
	case "suffix_separators":
		c.SuffixSeparators = val
	case "drop_characters":
		c.DropCharacters = val
	case "mail_log_path":
		c.MailLogPath = val
	case "dovecot_auth":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid dovecot_auth %q: %v", val, err)
		}
		c.DovecotAuth = b
	case "dovecot_userdb_path":
		c.DovecotUserdbPath = val
	case "dovecot_client_path":
		c.DovecotClientPath = val
	case "haproxy_incoming":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid haproxy_incoming %q: %v", val, err)
		}
		c.HaproxyIncoming = b
	case "max_queue_items":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid max_queue_items %q: %v", val, err)
		}
		c.MaxQueueItems = n
	case "give_up_send_after":
		c.GiveUpSendAfter = val
	case "dmarc_report_address":
		c.DmarcReportAddress = val
	case "tls_report_address":
		c.TlsReportAddress = val
	case "dns_resolver_addr":
		c.DnsResolverAddr = val
	case "errors_max":
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid errors_max %q: %v", val, err)
		}
		c.ErrorsMax = n
	case "errors_wait":
		c.ErrorsWait = val
	default:
		return fmt.Errorf("unknown field %q", key)
	}
	return nil
}

// override fields in `c` that are set in `o`.
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.MaxDataSizeMb > 0 {
		c.MaxDataSizeMb = o.MaxDataSizeMb
	}
	if len(o.SmtpAddress) > 0 {
		c.SmtpAddress = o.SmtpAddress
	}
	if len(o.SubmissionAddress) > 0 {
		c.SubmissionAddress = o.SubmissionAddress
	}
	if len(o.SubmissionOverTlsAddress) > 0 {
		c.SubmissionOverTlsAddress = o.SubmissionOverTlsAddress
	}
	if o.MonitoringAddress != "" {
		c.MonitoringAddress = o.MonitoringAddress
	}

	if o.MailDeliveryAgentBin != "" {
		c.MailDeliveryAgentBin = o.MailDeliveryAgentBin
	}
	if len(o.MailDeliveryAgentArgs) > 0 {
		c.MailDeliveryAgentArgs = o.MailDeliveryAgentArgs
	}

	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}

	if o.SuffixSeparators != "" {
		c.SuffixSeparators = o.SuffixSeparators
	}
	if o.DropCharacters != "" {
		c.DropCharacters = o.DropCharacters
	}
	if o.MailLogPath != "" {
		c.MailLogPath = o.MailLogPath
	}

	if o.DovecotAuth {
		c.DovecotAuth = true
	}
	if o.DovecotUserdbPath != "" {
		c.DovecotUserdbPath = o.DovecotUserdbPath
	}
	if o.DovecotClientPath != "" {
		c.DovecotClientPath = o.DovecotClientPath
	}

	if o.HaproxyIncoming {
		c.HaproxyIncoming = true
	}

	if o.MaxQueueItems > 0 {
		c.MaxQueueItems = o.MaxQueueItems
	}
	if o.GiveUpSendAfter != "" {
		c.GiveUpSendAfter = o.GiveUpSendAfter
	}
	if o.DmarcReportAddress != "" {
		c.DmarcReportAddress = o.DmarcReportAddress
	}
	if o.TlsReportAddress != "" {
		c.TlsReportAddress = o.TlsReportAddress
	}
	if o.DnsResolverAddr != "" {
		c.DnsResolverAddr = o.DnsResolverAddr
	}
	if o.ErrorsMax > 0 {
		c.ErrorsMax = o.ErrorsMax
	}
	if o.ErrorsWait != "" {
		c.ErrorsWait = o.ErrorsWait
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMb)
	log.Infof("  SMTP Addresses: %q", c.SmtpAddress)
	log.Infof("  Submission Addresses: %q", c.SubmissionAddress)
	log.Infof("  Submission+TLS Addresses: %q", c.SubmissionOverTlsAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  MDA: %q %q", c.MailDeliveryAgentBin, c.MailDeliveryAgentArgs)
	log.Infof("  Data directory: %q", c.DataDir)
	log.Infof("  Suffix separators: %q", c.SuffixSeparators)
	log.Infof("  Drop characters: %q", c.DropCharacters)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Dovecot auth: %v (%q, %q)",
		c.DovecotAuth, c.DovecotUserdbPath, c.DovecotClientPath)
	log.Infof("  HAProxy incoming: %v", c.HaproxyIncoming)
	log.Infof("  Max queue items: %d", c.MaxQueueItems)
	log.Infof("  Give up send after: %s", c.GiveUpSendAfterDuration())
	log.Infof("  DMARC report address: %q", c.DmarcReportAddress)
	log.Infof("  TLS report address: %q", c.TlsReportAddress)
	log.Infof("  DNS resolver: %q", c.DnsResolverAddr)
	log.Infof("  Errors max: %d (wait %s)", c.ErrorsMax, c.ErrorsWaitDuration())
}

// GiveUpSendAfterDuration parses GiveUpSendAfter.
func (c *Config) GiveUpSendAfterDuration() time.Duration {
	// We validate the string value at config load time, so we know it is
	// well formed.
	d, _ := time.ParseDuration(c.GiveUpSendAfter)
	return d
}

// ErrorsWaitDuration parses ErrorsWait.
func (c *Config) ErrorsWaitDuration() time.Duration {
	// We validate the string value at config load time, so we know it is
	// well formed.
	d, _ := time.ParseDuration(c.ErrorsWait)
	return d
}
