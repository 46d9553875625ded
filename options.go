package livelayer

import (
	"log"
	"net/http"
	"time"

	"golang.org/x/net/html"

	"github.com/livefir/livelayer/compiler"
	"github.com/livefir/livelayer/history"
	"github.com/livefir/livelayer/internal/config"
	"github.com/livefir/livelayer/internal/selector"
	"github.com/livefir/livelayer/transport"
)

// Config is the site-wide configuration. See DefaultConfig and LoadConfig.
type Config = config.Config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML configuration file. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// SelectorEngine matches CSS selectors against the page.
type SelectorEngine = selector.Engine

// Compiler activates newly inserted fragments. *compiler.Registry implements it.
type Compiler interface {
	Compile(root *html.Node, skip func(*html.Node) bool, report func(error)) []compiler.Binding
}

// Animator plays layer animations and fragment transitions. Implementations
// must call done exactly once; it may be called from any goroutine.
type Animator interface {
	Animate(el *html.Node, animation string, done func())
	Transition(old, new *html.Node, transition string, done func())
}

type settings struct {
	config     *config.Config
	transport  transport.Transport
	middleware []transport.Middleware
	history    history.History
	compiler   Compiler
	animator   Animator
	logger     *log.Logger
	onError    func(error)
	engine     selector.Engine
	cacheSize  int
	cacheTTL   time.Duration
	cacheSet   bool
	location   string
}

// Option configures an Up.
type Option func(*settings)

// WithConfig replaces the default configuration
func WithConfig(cfg *Config) Option {
	return func(s *settings) {
		s.config = cfg
	}
}

// WithTransport sets how requests reach the server. Defaults to HTTP with
// http.DefaultClient.
func WithTransport(t transport.Transport, mws ...transport.Middleware) Option {
	return func(s *settings) {
		s.transport = t
		s.middleware = append(s.middleware, mws...)
	}
}

// WithHistory sets the history the root layer and history-enabled overlays
// write to. Defaults to an in-memory history.
func WithHistory(h history.History) Option {
	return func(s *settings) {
		s.history = h
	}
}

// WithCompiler sets the compiler run over inserted fragments
func WithCompiler(c Compiler) Option {
	return func(s *settings) {
		s.compiler = c
	}
}

// WithAnimator enables animations. Without one every change is instant.
func WithAnimator(a Animator) Option {
	return func(s *settings) {
		s.animator = a
	}
}

// WithLogger sets the logger for lifecycle messages
func WithLogger(l *log.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// WithErrorHandler receives failures of listeners, compilers, destructors and
// watchers. It is called asynchronously on the loop.
func WithErrorHandler(fn func(error)) Option {
	return func(s *settings) {
		s.onError = fn
	}
}

// WithMatcher replaces the selector engine
func WithMatcher(e SelectorEngine) Option {
	return func(s *settings) {
		s.engine = e
	}
}

// WithCache overrides the configured response cache. A size of zero disables it.
func WithCache(size int, ttl time.Duration) Option {
	return func(s *settings) {
		s.cacheSize, s.cacheTTL, s.cacheSet = size, ttl, true
	}
}

// WithLocation sets the URL of the initial page
func WithLocation(url string) Option {
	return func(s *settings) {
		s.location = url
	}
}

func defaultSettings() *settings {
	return &settings{
		config:    config.Default(),
		transport: transport.NewHTTP(http.DefaultClient),
		logger:    log.Default(),
		engine:    selector.NewCascadia(),
		location:  "/",
	}
}
