package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/migadu/eaf/helpers"
)

const (
	DefaultRemovedAttachmentPrefix = "removed_"
	DefaultRemovedAttachmentText   = "This attachment was removed for security reasons."

	LockScopeGlobal  = "global"
	LockScopeMessage = "message"
)

// Delivery methods accepted by lmtp.delivery_method.
const (
	DeliveryMethodUnknown = "unknown"
	DeliveryMethodSMTP    = "smtp"
	DeliveryMethodMailbox = "mailbox"
	DeliveryMethodFile    = "file"
)

// DefaultArchiveTypes lists the container formats opened by the archive inspector.
var DefaultArchiveTypes = []string{"*.zip", "*.bz2", "*.bzip2", "*.gz", "*.gzip", "*.tar", "*.tgz"}

// DefaultOpenXMLTypes covers legacy extensions too, since an extension may be spoofed.
var DefaultOpenXMLTypes = []string{
	"*.xls", "*.xlsx", "*.doc", "*.docx", "*.ppt", "*.pptx", "*.pps", "*.ppsx", "*.sldx",
	"*.xlsm", "*.docm", "*.pptm",
}

var DefaultHTMLTypes = []string{"*.htm", "*.html", "*.xhtml", "*.hta", "*.shtml"}

// RulesConfig holds the wildcard lists consulted by the filename classifier.
type RulesConfig struct {
	Whitelist       []string `toml:"whitelist"`
	Remove          []string `toml:"remove"`
	Reject          []string `toml:"reject"`
	SenderWhitelist []string `toml:"sender_whitelist"`
}

// TypesConfig selects which deep inspector runs for an attachment name.
type TypesConfig struct {
	Archive []string `toml:"archive"`
	OpenXML []string `toml:"openxml"`
	HTML    []string `toml:"html"`
}

// FilterConfig holds the attachment policy.
type FilterConfig struct {
	ScanArchives            bool   `toml:"scan_archives"`
	ScanOpenXML             bool   `toml:"scan_openxml"`
	RemoveHTMLWithScripts   bool   `toml:"remove_html_with_scripts"`
	DSNStripOriginalMessage bool   `toml:"dsn_strip_original_message"`
	MailboxMethodSafe       bool   `toml:"mailbox_method_safe"`
	DeepScanWhitelisted     bool   `toml:"deep_scan_whitelisted"` // Inspect archive/document content even when the name is whitelisted
	CaseInsensitive         bool   `toml:"case_insensitive"`      // Match wildcard patterns ignoring case
	LogRejectedOrRemoved    bool   `toml:"log_rejected_or_removed"`
	LogAccepted             bool   `toml:"log_accepted"`
	RemovedAttachmentPrefix string `toml:"removed_attachment_prefix"`
	RemovedAttachmentText   string `toml:"removed_attachment_text"` // Literal \r\n sequences become line breaks
	SizeThreshold           string `toml:"size_threshold"`          // Messages above this size skip attachment checks (e.g. "20mb"); empty disables
	MaxArchiveDepth         int    `toml:"max_archive_depth"`       // 0 means unbounded
	MaxArchiveBytes         string `toml:"max_archive_bytes"`       // Decompressed bytes per attachment; "0" means unbounded
	LockScope               string `toml:"lock_scope"`              // "global" or "message"

	Rules RulesConfig `toml:"rules"`
	Types TypesConfig `toml:"types"`
}

// GetSizeThreshold returns the bypass threshold in bytes; 0 disables it.
func (f *FilterConfig) GetSizeThreshold() (int64, error) {
	if f.SizeThreshold == "" || f.SizeThreshold == "0" {
		return 0, nil
	}
	return helpers.ParseSize(f.SizeThreshold)
}

// GetMaxArchiveBytes returns the decompression budget in bytes; 0 is unbounded.
func (f *FilterConfig) GetMaxArchiveBytes() (int64, error) {
	if f.MaxArchiveBytes == "" {
		return 512 * 1024 * 1024, nil
	}
	if f.MaxArchiveBytes == "0" {
		return 0, nil
	}
	return helpers.ParseSize(f.MaxArchiveBytes)
}

// GetRemovedAttachmentText returns the placeholder body text with escaped line
// breaks expanded.
func (f *FilterConfig) GetRemovedAttachmentText() string {
	if f.RemovedAttachmentText == "" {
		return DefaultRemovedAttachmentText
	}
	return strings.ReplaceAll(f.RemovedAttachmentText, `\r\n`, "\n")
}

// GetRemovedAttachmentPrefix returns the placeholder file name prefix.
func (f *FilterConfig) GetRemovedAttachmentPrefix() string {
	if f.RemovedAttachmentPrefix == "" {
		return DefaultRemovedAttachmentPrefix
	}
	return f.RemovedAttachmentPrefix
}

// GetLockScope returns the normalized lock scope.
func (f *FilterConfig) GetLockScope() string {
	if strings.EqualFold(f.LockScope, LockScopeMessage) {
		return LockScopeMessage
	}
	return LockScopeGlobal
}

// Validate checks the filter section for values that cannot be applied.
func (f *FilterConfig) Validate() error {
	if _, err := f.GetSizeThreshold(); err != nil {
		return fmt.Errorf("filter.size_threshold: %w", err)
	}
	if _, err := f.GetMaxArchiveBytes(); err != nil {
		return fmt.Errorf("filter.max_archive_bytes: %w", err)
	}
	if f.MaxArchiveDepth < 0 {
		return fmt.Errorf("filter.max_archive_depth must not be negative, got %d", f.MaxArchiveDepth)
	}
	switch strings.ToLower(f.LockScope) {
	case "", LockScopeGlobal, LockScopeMessage:
	default:
		return fmt.Errorf("filter.lock_scope must be %q or %q, got %q", LockScopeGlobal, LockScopeMessage, f.LockScope)
	}
	return nil
}

// JournalConfig configures the per-message verdict journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"` // Daily files are written here; empty forwards entries to the process log
}

// LMTPServerConfig holds the LMTP content-filter listener configuration.
type LMTPServerConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr"`
	Hostname        string   `toml:"hostname"`
	MaxMessageSize  string   `toml:"max_message_size"`
	TrustedNetworks []string `toml:"trusted_networks"` // Clients allowed to connect; empty allows all
	DeliveryMethod  string   `toml:"delivery_method"`  // Method reported for messages on this listener
	MailboxNetworks []string `toml:"mailbox_networks"` // Clients whose messages count as mailbox submissions
	TLS             bool     `toml:"tls"`
	TLSUseStartTLS  bool     `toml:"tls_use_starttls"`
	TLSCertFile     string   `toml:"tls_cert_file"`
	TLSKeyFile      string   `toml:"tls_key_file"`
	Debug           bool     `toml:"debug"`
}

// GetMaxMessageSize returns the maximum accepted message size in bytes.
func (l *LMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if l.MaxMessageSize == "" {
		return 64 * 1024 * 1024, nil
	}
	return helpers.ParseSize(l.MaxMessageSize)
}

// GetDeliveryMethod returns the normalized delivery method of the listener.
func (l *LMTPServerConfig) GetDeliveryMethod() string {
	switch m := strings.ToLower(l.DeliveryMethod); m {
	case DeliveryMethodSMTP, DeliveryMethodMailbox, DeliveryMethodFile:
		return m
	case "":
		return DeliveryMethodSMTP
	default:
		return DeliveryMethodUnknown
	}
}

// Validate checks listener settings.
func (l *LMTPServerConfig) Validate() error {
	if !l.Start {
		return nil
	}
	if l.Addr == "" {
		return fmt.Errorf("lmtp.addr is required when lmtp.start is true")
	}
	if _, err := l.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("lmtp.max_message_size: %w", err)
	}
	if l.TLS && (l.TLSCertFile == "" || l.TLSKeyFile == "") {
		return fmt.Errorf("lmtp.tls requires tls_cert_file and tls_key_file")
	}
	if _, err := ParseNetworks(l.TrustedNetworks); err != nil {
		return fmt.Errorf("lmtp.trusted_networks: %w", err)
	}
	if _, err := ParseNetworks(l.MailboxNetworks); err != nil {
		return fmt.Errorf("lmtp.mailbox_networks: %w", err)
	}
	return nil
}

// QuarantineConfig holds S3 quarantine configuration.
type QuarantineConfig struct {
	Enabled       bool   `toml:"enabled"`
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"` // Enable detailed S3 request/response tracing
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"` // 64 hex characters (AES-256)
	Attachments   bool   `toml:"attachments"`    // Store removed and stripped attachments
	Messages      bool   `toml:"messages"`       // Store rejected messages
}

// Validate checks quarantine settings.
func (q *QuarantineConfig) Validate() error {
	if !q.Enabled {
		return nil
	}
	if q.Endpoint == "" || q.Bucket == "" {
		return fmt.Errorf("quarantine requires endpoint and bucket")
	}
	if q.Encrypt && len(q.EncryptionKey) != 64 {
		return fmt.Errorf("quarantine.encryption_key must be 64 hex characters")
	}
	return nil
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start         bool     `toml:"start"`
	Addr          string   `toml:"addr"`
	APIKey        string   `toml:"api_key"`
	AllowedHosts  []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
	MaxUploadSize string   `toml:"max_upload_size"`
	TLS           bool     `toml:"tls"`
	TLSCertFile   string   `toml:"tls_cert_file"`
	TLSKeyFile    string   `toml:"tls_key_file"`
}

// GetMaxUploadSize returns the scan endpoint body limit in bytes.
func (h *HTTPAPIConfig) GetMaxUploadSize() (int64, error) {
	if h.MaxUploadSize == "" {
		return 64 * 1024 * 1024, nil
	}
	return helpers.ParseSize(h.MaxUploadSize)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Journal    JournalConfig    `toml:"journal"`
	Filter     FilterConfig     `toml:"filter"`
	LMTP       LMTPServerConfig `toml:"lmtp"`
	Relay      RelayConfig      `toml:"relay"`
	Quarantine QuarantineConfig `toml:"quarantine"`
	Metrics    MetricsConfig    `toml:"metrics"`
	HTTPAPI    HTTPAPIConfig    `toml:"http_api"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Filter: FilterConfig{
			ScanArchives:            true,
			ScanOpenXML:             true,
			RemoveHTMLWithScripts:   true,
			MailboxMethodSafe:       true,
			LogRejectedOrRemoved:    true,
			RemovedAttachmentPrefix: DefaultRemovedAttachmentPrefix,
			RemovedAttachmentText:   DefaultRemovedAttachmentText,
			MaxArchiveDepth:         10,
			MaxArchiveBytes:         "512mb",
			LockScope:               LockScopeGlobal,
			Types: TypesConfig{
				Archive: append([]string(nil), DefaultArchiveTypes...),
				OpenXML: append([]string(nil), DefaultOpenXMLTypes...),
				HTML:    append([]string(nil), DefaultHTMLTypes...),
			},
		},
		LMTP: LMTPServerConfig{
			Start:          true,
			Addr:           "127.0.0.1:10024",
			MaxMessageSize: "64mb",
			DeliveryMethod: DeliveryMethodSMTP,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		HTTPAPI: HTTPAPIConfig{
			Addr:          "127.0.0.1:8080",
			MaxUploadSize: "64mb",
		},
	}
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if err := c.Filter.Validate(); err != nil {
		return err
	}
	if err := c.LMTP.Validate(); err != nil {
		return err
	}
	if err := c.Relay.Validate(); err != nil {
		return err
	}
	if err := c.Quarantine.Validate(); err != nil {
		return err
	}
	if c.HTTPAPI.Start {
		if c.HTTPAPI.APIKey == "" {
			return fmt.Errorf("http_api.api_key is required when http_api.start is true")
		}
		if _, err := c.HTTPAPI.GetMaxUploadSize(); err != nil {
			return fmt.Errorf("http_api.max_upload_size: %w", err)
		}
	}
	return nil
}

// ParseNetworks parses CIDR strings. Bare addresses are treated as single
// host networks.
func ParseNetworks(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if !strings.Contains(c, "/") {
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", c)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			c = fmt.Sprintf("%s/%d", c, bits)
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", c, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields
// This function is lenient with:
//   - Duplicate keys: logs warning and uses first occurrence
//   - Unknown keys: logs warning and ignores them
//
// All other syntax errors are returned with a hint attached.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}
		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %s", configPath, err)
		log.Printf("WARNING: Only the first occurrence of each key will be used.")

		cleaned := removeDuplicateKeysFromTOML(string(content))
		metadata, err = toml.Decode(cleaned, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// Load reads configPath over the defaults and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(configPath, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// removeDuplicateKeysFromTOML comments out every repeated key of a table,
// keeping the first occurrence. Each [[array]] element starts a fresh scope.
func removeDuplicateKeysFromTOML(content string) string {
	lines := strings.Split(content, "\n")
	seenKeys := make(map[string]int)
	result := make([]string, 0, len(lines))
	var currentSection string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]"):
			currentSection = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
			for k := range seenKeys {
				if strings.HasPrefix(k, currentSection+".") {
					delete(seenKeys, k)
				}
			}
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			currentSection = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
		case strings.Contains(trimmed, "="):
			key := strings.TrimSpace(strings.SplitN(trimmed, "=", 2)[0])
			fullKey := key
			if currentSection != "" {
				fullKey = currentSection + "." + key
			}
			if prevLine, exists := seenKeys[fullKey]; exists {
				log.Printf("WARNING: Duplicate key '%s' found at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prevLine+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seenKeys[fullKey] = lineNum
		}
		result = append(result, line)
	}

	return strings.Join(result, "\n")
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets are balanced\n"+
			"  - Pattern lists are arrays, e.g. reject = [\"*.exe\", \"*.scr\"]", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if field := v.Field(i); field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
