package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigRelPath = ".taxsync/config.yaml"
	defaultDBRelPath     = ".taxsync/taxsync.db"
	defaultSnapshotRel   = ".taxsync/snapshots"
)

type EndpointsConfig struct {
	Summary        string `yaml:"summary"`
	PurchaseDetail string `yaml:"purchase_detail"`
	SaleDetail     string `yaml:"sale_detail"`
	DailyAggregate string `yaml:"daily_aggregate"`
	Namespace      string `yaml:"namespace"`
}

type SelectorsConfig struct {
	TaxIDInput    string `yaml:"tax_id_input"`
	SecretInput   string `yaml:"secret_input"`
	Submit        string `yaml:"submit"`
	DetailReady   string `yaml:"detail_ready"`
	CompactButton string `yaml:"compact_button"`
}

type MarkersConfig struct {
	InvalidCredentials []string `yaml:"invalid_credentials"`
	UnavailableText    []string `yaml:"unavailable_text"`
	UnavailablePaths   []string `yaml:"unavailable_paths"`
	SuccessPaths       []string `yaml:"success_paths"`
	IntermediatePaths  []string `yaml:"intermediate_paths"`
	LoginPaths         []string `yaml:"login_paths"`
}

type PortalConfig struct {
	BaseURL           string          `yaml:"base_url"`
	LoginURL          string          `yaml:"login_url"`
	ProtectedURL      string          `yaml:"protected_url"`
	ListURL           string          `yaml:"list_url"`
	DetailURLTemplate string          `yaml:"detail_url_template"`
	InternalIDParam   string          `yaml:"internal_id_param"`
	TokenCookie       string          `yaml:"token_cookie"`
	UserAgent         string          `yaml:"user_agent"`
	RetryAfter        time.Duration   `yaml:"retry_after"`
	RequestTimeout    time.Duration   `yaml:"request_timeout"`
	Endpoints         EndpointsConfig `yaml:"endpoints"`
	Selectors         SelectorsConfig `yaml:"selectors"`
	Markers           MarkersConfig   `yaml:"markers"`
}

type BrowserConfig struct {
	Headless     bool          `yaml:"headless"`
	ExecPath     string        `yaml:"exec_path"`
	NoSandbox    bool          `yaml:"no_sandbox"`
	LoginTimeout time.Duration `yaml:"login_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
	PopupTimeout time.Duration `yaml:"popup_timeout"`
}

type ExtractionConfig struct {
	HighVolumeTypes   []string      `yaml:"high_volume_types"`
	InternalIDTypes   []string      `yaml:"internal_id_types"`
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
	ClickAttempts     int           `yaml:"click_attempts"`
	ClickBudget       time.Duration `yaml:"click_budget"`
	StepAttempts      int           `yaml:"step_attempts"`
	PeriodConcurrency int           `yaml:"period_concurrency"`
	FlushTimeout      time.Duration `yaml:"flush_timeout"`
}

type SessionConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`
	RequiredCookies []string      `yaml:"required_cookies"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type FilterConfig struct {
	IgnoreExtensions   []string `yaml:"ignore_extensions"`
	IgnoreContentTypes []string `yaml:"ignore_content_types"`
	IgnorePaths        []string `yaml:"ignore_paths"`
	// VolatileFields change on every attempt of the same call.
	VolatileFields     []string `yaml:"volatile_fields"`
}

type SanitizeConfig struct {
	Headers     []string `yaml:"headers"`
	BodyFields  []string `yaml:"body_fields"`
	Replacement string   `yaml:"replacement"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Portal     PortalConfig     `yaml:"portal"`
	Browser    BrowserConfig    `yaml:"browser"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Session    SessionConfig    `yaml:"session"`
	Database   DatabaseConfig   `yaml:"database"`
	Snapshots  SnapshotConfig   `yaml:"snapshots"`
	Filter     FilterConfig     `yaml:"filter"`
	Sanitize   SanitizeConfig   `yaml:"sanitize"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// Load loads YAML config, then .env, then env overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	explicit := configPath != ""

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) || explicit {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// SetDefaults fills zero values. Booleans default to false, so Headless and
// Snapshots.Enabled are only switched on by Default().
func (c *Config) SetDefaults() {
	p := &c.Portal
	if p.BaseURL == "" {
		p.BaseURL = "https://www4.sii.cl"
	}
	if p.LoginURL == "" {
		p.LoginURL = "https://zeusr.sii.cl/AUT2000/InicioAutenticacion/IngresoRutClave.html?https://misiir.sii.cl/cgi_misii/siihome.cgi"
	}
	if p.ProtectedURL == "" {
		p.ProtectedURL = "https://misiir.sii.cl/cgi_misii/siihome.cgi"
	}
	if p.ListURL == "" {
		p.ListURL = "https://www4.sii.cl/consdcvinternetui/"
	}
	if p.DetailURLTemplate == "" {
		p.DetailURLTemplate = "https://www4.sii.cl/consdcvinternetui/#/detalle?rut={taxid}&tipo={type}&folio={folio}"
	}
	if p.InternalIDParam == "" {
		p.InternalIDParam = "codigo"
	}
	if p.TokenCookie == "" {
		p.TokenCookie = "TOKEN"
	}
	if p.UserAgent == "" {
		p.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	if p.RetryAfter == 0 {
		p.RetryAfter = 15 * time.Minute
	}
	if p.RequestTimeout == 0 {
		p.RequestTimeout = 60 * time.Second
	}
	e := &p.Endpoints
	if e.Summary == "" {
		e.Summary = "/consdcvinternetui/services/data/facadeService/getResumen"
	}
	if e.PurchaseDetail == "" {
		e.PurchaseDetail = "/consdcvinternetui/services/data/facadeService/getDetalleCompra"
	}
	if e.SaleDetail == "" {
		e.SaleDetail = "/consdcvinternetui/services/data/facadeService/getDetalleVenta"
	}
	if e.DailyAggregate == "" {
		e.DailyAggregate = "/consdcvinternetui/services/data/facadeService/getDetalleResumenDiario"
	}
	if e.Namespace == "" {
		e.Namespace = "cl.sii.sdi.lob.diii.consdcv.data.api.interfaces.FacadeService"
	}
	s := &p.Selectors
	if s.TaxIDInput == "" {
		s.TaxIDInput = "#rutcntr"
	}
	if s.SecretInput == "" {
		s.SecretInput = "#clave"
	}
	if s.Submit == "" {
		s.Submit = "#bt_ingresar"
	}
	if s.DetailReady == "" {
		s.DetailReady = "#detalle-documento"
	}
	if s.CompactButton == "" {
		s.CompactButton = "#btn-formulario-compacto"
	}
	m := &p.Markers
	if len(m.InvalidCredentials) == 0 {
		m.InvalidCredentials = []string{"clave incorrecta", "rut o clave", "no se encuentra registrado", "clave bloqueada"}
	}
	if len(m.UnavailableText) == 0 {
		m.UnavailableText = []string{"servicio no disponible", "en mantencion", "en mantención", "intente mas tarde", "intente más tarde"}
	}
	if len(m.UnavailablePaths) == 0 {
		m.UnavailablePaths = []string{"/mantencion", "/error", "/errores/"}
	}
	if len(m.SuccessPaths) == 0 {
		m.SuccessPaths = []string{"/cgi_misii/siihome.cgi", "/mipeinternet/", "/consdcvinternetui/"}
	}
	if len(m.IntermediatePaths) == 0 {
		m.IntermediatePaths = []string{"/cgi_AUT2000/", "/CAutInicio.cgi"}
	}
	if len(m.LoginPaths) == 0 {
		m.LoginPaths = []string{"/AUT2000/InicioAutenticacion/", "IngresoRutClave"}
	}

	b := &c.Browser
	if b.LoginTimeout == 0 {
		b.LoginTimeout = 20 * time.Second
	}
	if b.PollInterval == 0 {
		b.PollInterval = time.Second
	}
	if b.StepTimeout == 0 {
		b.StepTimeout = 15 * time.Second
	}
	if b.PopupTimeout == 0 {
		b.PopupTimeout = 10 * time.Second
	}

	x := &c.Extraction
	if len(x.HighVolumeTypes) == 0 {
		x.HighVolumeTypes = []string{"39", "41"}
	}
	if x.Concurrency == 0 {
		x.Concurrency = 3
	}
	if x.RequestsPerSecond == 0 {
		x.RequestsPerSecond = 2
	}
	if x.MaxRetries == 0 {
		x.MaxRetries = 3
	}
	if x.ClickAttempts == 0 {
		x.ClickAttempts = 5
	}
	if x.ClickBudget == 0 {
		x.ClickBudget = 10 * time.Second
	}
	if x.StepAttempts == 0 {
		x.StepAttempts = 2
	}
	if x.PeriodConcurrency == 0 {
		x.PeriodConcurrency = 2
	}
	if x.FlushTimeout == 0 {
		x.FlushTimeout = 30 * time.Second
	}

	if c.Session.MaxAge == 0 {
		c.Session.MaxAge = 2 * time.Hour
	}
	if len(c.Session.RequiredCookies) == 0 {
		c.Session.RequiredCookies = []string{c.Portal.TokenCookie}
	}
	if c.Session.CacheTTL == 0 {
		c.Session.CacheTTL = 10 * time.Minute
	}

	if c.Database.Path == "" {
		c.Database.Path = homePath(defaultDBRelPath)
	}
	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = homePath(defaultSnapshotRel)
	}

	if len(c.Filter.IgnoreExtensions) == 0 {
		c.Filter.IgnoreExtensions = []string{".js", ".css", ".png", ".jpg", ".gif", ".svg", ".woff", ".woff2", ".ico", ".map"}
	}
	if len(c.Filter.IgnoreContentTypes) == 0 {
		c.Filter.IgnoreContentTypes = []string{"text/css", "image/*", "font/*", "application/javascript"}
	}
	if len(c.Filter.IgnorePaths) == 0 {
		c.Filter.IgnorePaths = []string{"/static/", "/assets/", "/favicon"}
	}
	if len(c.Filter.VolatileFields) == 0 {
		c.Filter.VolatileFields = []string{"transactionId"}
	}
	if len(c.Sanitize.Headers) == 0 {
		c.Sanitize.Headers = []string{"Authorization", "Cookie", "Set-Cookie", "X-Portal-Token"}
	}
	if len(c.Sanitize.BodyFields) == 0 {
		c.Sanitize.BodyFields = []string{"clave", "rutcntr", "password", "secret", "token", "conversationId"}
	}
	if c.Sanitize.Replacement == "" {
		c.Sanitize.Replacement = "***REDACTED***"
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Default returns a fully defaulted config with headless browsing and
// failure snapshots on.
func Default() *Config {
	c := &Config{}
	c.Browser.Headless = true
	c.Snapshots.Enabled = true
	c.SetDefaults()
	return c
}

func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"portal.base_url":      c.Portal.BaseURL,
		"portal.login_url":     c.Portal.LoginURL,
		"portal.protected_url": c.Portal.ProtectedURL,
		"database.path":        c.Database.Path,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
	}
	if c.Extraction.Concurrency < 1 {
		return errors.New("extraction.concurrency must be positive")
	}
	if c.Extraction.RequestsPerSecond <= 0 {
		return errors.New("extraction.requests_per_second must be positive")
	}
	if c.Extraction.ClickAttempts < 1 {
		return errors.New("extraction.click_attempts must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Snapshots.Enabled {
		if err := ensureWritableDir(c.Snapshots.Dir); err != nil {
			return fmt.Errorf("snapshots.dir not writable: %w", err)
		}
	}
	return nil
}

// IsHighVolume reports whether a type code is aggregated per day by the portal.
func (x ExtractionConfig) IsHighVolume(typeCode string) bool {
	return contains(x.HighVolumeTypes, typeCode)
}

// NeedsInternalID reports whether records of a type go through the id capture flow.
func (x ExtractionConfig) NeedsInternalID(typeCode string) bool {
	return contains(x.InternalIDTypes, typeCode)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}

func homePath(rel string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return rel
	}
	return filepath.Join(home, rel)
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func applyEnvOverrides(c *Config) {
	setString(&c.Portal.BaseURL, "TAXSYNC_PORTAL_BASE_URL")
	setString(&c.Portal.LoginURL, "TAXSYNC_PORTAL_LOGIN_URL")
	setString(&c.Portal.ProtectedURL, "TAXSYNC_PORTAL_PROTECTED_URL")
	setBool(&c.Browser.Headless, "TAXSYNC_BROWSER_HEADLESS")
	setString(&c.Browser.ExecPath, "TAXSYNC_BROWSER_EXEC_PATH")
	setBool(&c.Browser.NoSandbox, "TAXSYNC_BROWSER_NO_SANDBOX")
	setInt(&c.Extraction.Concurrency, "TAXSYNC_EXTRACTION_CONCURRENCY")
	setFloat(&c.Extraction.RequestsPerSecond, "TAXSYNC_EXTRACTION_RPS")
	setString(&c.Database.Path, "TAXSYNC_DATABASE_PATH")
	setString(&c.Snapshots.Dir, "TAXSYNC_SNAPSHOTS_DIR")
	setString(&c.Server.Host, "TAXSYNC_SERVER_HOST")
	setInt(&c.Server.Port, "TAXSYNC_SERVER_PORT")
	setString(&c.Log.Level, "TAXSYNC_LOG_LEVEL")
	setString(&c.Log.Format, "TAXSYNC_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
