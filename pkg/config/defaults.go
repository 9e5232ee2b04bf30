package config

import (
	"fmt"
	"runtime"
)

// Recognised configuration keys, all read as VSERVER_<KEY>.
const (
	KeyDBUser           = "DBUSER"
	KeyDBPassword       = "DBPASSWORD"
	KeyDBName           = "DBNAME"
	KeyDBHost           = "DBHOST"
	KeyDBPort           = "DBPORT"
	KeyDBMinConnections = "DBMINCONNECTIONS"
	KeyDBMaxConnections = "DBMAXCONNECTIONS"
	KeyHTTPPort         = "HTTPPORT"
	KeyWSPort           = "WSPORT"
	KeyTLS              = "TLS"
	KeyKeyPath          = "KEYPATH"
	KeyCertPath         = "CERTPATH"
	KeyMaxPayloadSize   = "MAXPAYLOADSIZE"
	KeyTimeout          = "TIMEOUT"
	KeyMaxMemory        = "MAXMEMORY"
	KeyMetricsInterval  = "METRICSINTERVAL"
	KeyMetricsToken     = "METRICSTOKEN"
	KeyWorkers          = "WORKERS"
	KeyLogLevel         = "LOGLEVEL"
	KeyLogFormat        = "LOGFORMAT"
	KeyCaching          = "CACHING"
	KeySentryURL        = "SENTRYURL"
	KeyAdminPort        = "ADMINPORT"
)

// New constructs a Registry with every recognised key pre-registered
// with its default, type, and validation rule. Callers may
// still Register additional keys (e.g. handler modules extending the
// registry with their own settings) before calling Load.
func New() *Registry { return newDefaultRegistry() }

func newDefaultRegistry() *Registry {
	r := NewEmpty()

	r.Register(KeyDBUser, KindString, Required())
	r.Register(KeyDBPassword, KindString, Required())
	r.Register(KeyDBName, KindString, Required())
	r.Register(KeyDBHost, KindString, Required())
	r.Register(KeyDBPort, KindNumber, WithDefault(float64(5432)))
	r.Register(KeyDBMinConnections, KindNumber, WithDefault(float64(0)))
	r.Register(KeyDBMaxConnections, KindNumber, WithDefault(float64(10)))

	r.Register(KeyHTTPPort, KindNumber, WithDefault(float64(8080)))
	r.Register(KeyWSPort, KindNumber, WithDefault(float64(8080)))

	r.Register(KeyTLS, KindBoolean, WithDefault(false))
	r.Register(KeyKeyPath, KindString, WithDefault(""))
	r.Register(KeyCertPath, KindString, WithDefault(""))

	r.Register(KeyMaxPayloadSize, KindNumber, WithDefault(float64(1_000_000)), WithValidator(nonNegative))
	r.Register(KeyTimeout, KindNumber, WithDefault(float64(60)), WithValidator(minValue(5)))
	r.Register(KeyMaxMemory, KindNumber, WithDefault(float64(0)), WithValidator(zeroOrAtLeast(50)))

	r.Register(KeyMetricsInterval, KindNumber, WithDefault(float64(0)), WithValidator(nonNegative))
	r.Register(KeyMetricsToken, KindString, WithDefault(""))

	r.Register(KeyWorkers, KindNumber, WithDefault(float64(-1)))

	r.Register(KeyLogLevel, KindString, WithDefault("info"))
	r.Register(KeyLogFormat, KindString, WithDefault("text"))

	r.Register(KeyCaching, KindBoolean, WithDefault(true))
	r.Register(KeySentryURL, KindString, WithDefault(""))

	r.Register(KeyAdminPort, KindNumber, WithDefault(float64(0)), WithValidator(nonNegative))

	return r
}

func nonNegative(v any) error {
	if n, ok := v.(float64); ok && n < 0 {
		return fmt.Errorf("must be non-negative, got %v", n)
	}
	return nil
}

func minValue(min float64) Validator {
	return func(v any) error {
		if n, ok := v.(float64); ok && n < min {
			return fmt.Errorf("must be at least %v, got %v", min, n)
		}
		return nil
	}
}

// ResolveWorkerCount turns the WORKERS setting into an absolute worker
// count: a negative value subtracts from the detected
// CPU count (floored at 1; WORKERS=-1 is "CPU count minus one"), while
// zero or a positive value is used as the absolute worker count.
func ResolveWorkerCount(configured int) int {
	if configured < 0 {
		n := runtime.NumCPU() + configured
		if n < 1 {
			n = 1
		}
		return n
	}
	return configured
}

func zeroOrAtLeast(min float64) Validator {
	return func(v any) error {
		if n, ok := v.(float64); ok && n != 0 && n < min {
			return fmt.Errorf("must be 0 or at least %v, got %v", min, n)
		}
		return nil
	}
}
