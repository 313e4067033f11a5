package quince

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	defaultDatabase       = "test"
	defaultConnectTimeout = 30 * time.Second
	defaultLogLevel       = "info"
	defaultAppName        = "quince"

	mongoScheme    = "mongodb://"
	mongoSRVScheme = "mongodb+srv://"
)

// Settings configure a Manager.
type Settings struct {
	// URL is a connection string, with or without the mongodb://
	// scheme, e.g. "localhost/mydb".
	URL string `yaml:"url"`
	// Hosts lists replica set members. It is used when URL is empty.
	Hosts []string `yaml:"hosts"`
	// DB overrides the database named in the connection string.
	DB                 string `yaml:"db"`
	AppName            string `yaml:"app_name"`
	ConnectTimeoutSecs int    `yaml:"connect_timeout_secs"`
	LogLevel           string `yaml:"log_level"`
	IDField            string `yaml:"id_field"`

	DefaultOptions Options             `yaml:"default_options"`
	Collections    map[string]*Options `yaml:"collections"`
}

// NewSettings reads settings from a yaml file.
func NewSettings(filename string) (*Settings, error) {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "reading settings file '%s'", filename)
	}

	settings := &Settings{}
	if err = yaml.Unmarshal(configData, settings); err != nil {
		return nil, errors.Wrapf(err, "parsing settings file '%s'", filename)
	}

	return settings, nil
}

// ValidateAndDefault checks the settings and fills in defaults.
func (s *Settings) ValidateAndDefault() error {
	catcher := grip.NewBasicCatcher()

	catcher.NewWhen(s.URL == "" && len(s.Hosts) == 0, ErrNoURI.Error())
	catcher.ErrorfWhen(s.ConnectTimeoutSecs < 0, "connect timeout cannot be negative")

	if s.LogLevel == "" {
		s.LogLevel = defaultLogLevel
	}
	catcher.ErrorfWhen(!level.FromString(s.LogLevel).IsValid(), "invalid log level '%s'", s.LogLevel)

	if s.AppName == "" {
		s.AppName = defaultAppName
	}
	if s.ConnectTimeoutSecs == 0 {
		s.ConnectTimeoutSecs = int(defaultConnectTimeout.Seconds())
	}

	for name, opts := range s.Collections {
		catcher.ErrorfWhen(name == "", "collection defaults must have a name")
		if opts == nil {
			continue
		}
		catcher.Wrapf(opts.Normalize(), "normalizing default options for collection '%s'", name)
	}
	catcher.Wrap(s.DefaultOptions.Normalize(), "normalizing default options")

	if catcher.HasErrors() {
		return catcher.Resolve()
	}

	if _, _, err := s.ConnectionString(); err != nil {
		return errors.Wrap(err, "parsing connection string")
	}

	return nil
}

// ConnectTimeout returns the connection timeout as a duration.
func (s *Settings) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutSecs <= 0 {
		return defaultConnectTimeout
	}
	return time.Duration(s.ConnectTimeoutSecs) * time.Second
}

// ConnectionString returns the normalized connection URI and the name
// of the database to use.
func (s *Settings) ConnectionString() (string, string, error) {
	raw := s.URL
	if raw == "" {
		raw = joinHosts(s.Hosts)
	}
	if raw == "" {
		return "", "", ErrNoURI
	}

	uri := raw
	if !strings.HasPrefix(uri, mongoScheme) && !strings.HasPrefix(uri, mongoSRVScheme) {
		uri = mongoScheme + uri
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing connection string '%s'", raw)
	}
	if parsed.Host == "" {
		return "", "", errors.Errorf("connection string '%s' has no host", raw)
	}

	database := strings.TrimPrefix(parsed.Path, "/")
	if s.DB != "" {
		database = s.DB
	}
	if database == "" {
		database = defaultDatabase
	}

	return uri, database, nil
}

// joinHosts combines a list of connection strings into one, keeping the
// first database name and query string found in the list.
func joinHosts(hosts []string) string {
	var (
		addrs    []string
		database string
		query    string
	)
	for _, h := range hosts {
		h = strings.TrimPrefix(strings.TrimSpace(h), mongoScheme)
		if h == "" {
			continue
		}
		if i := strings.Index(h, "?"); i >= 0 {
			if query == "" {
				query = h[i:]
			}
			h = h[:i]
		}
		if i := strings.Index(h, "/"); i >= 0 {
			if database == "" {
				database = h[i+1:]
			}
			h = h[:i]
		}
		addrs = append(addrs, h)
	}
	if len(addrs) == 0 {
		return ""
	}

	return strings.Join(addrs, ",") + "/" + database + query
}
