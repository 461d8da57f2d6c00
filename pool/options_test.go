package pool

import (
	"crypto/tls"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func apply(opts []Option) *poolOptions {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func TestDefaultOptions(t *testing.T) {
	o := defaultOptions()
	if o.maxPoolSize != DefaultMaxPoolSize {
		t.Errorf("maxPoolSize = %d, want %d", o.maxPoolSize, DefaultMaxPoolSize)
	}
	if o.minPoolSize != 0 {
		t.Errorf("minPoolSize = %d, want 0", o.minPoolSize)
	}
	if o.maxIdleTime != 0 {
		t.Errorf("maxIdleTime = %v, want 0", o.maxIdleTime)
	}
	if o.maintainInterval != DefaultMaintainInterval {
		t.Errorf("maintainInterval = %v, want %v", o.maintainInterval, DefaultMaintainInterval)
	}
	if o.dialer == nil || o.logger == nil || o.clock == nil {
		t.Error("dialer, logger and clock must have defaults")
	}
}

func TestOptionsIgnoreInvalidValues(t *testing.T) {
	o := apply([]Option{
		WithConnectTimeout(-time.Second),
		WithMaxIdleTime(-time.Second),
		WithWaitQueueTimeout(0),
		WithMaintainInterval(0),
		WithDialer(nil),
		WithLogger(nil),
		WithClock(nil),
		WithMonitor(nil),
		WithEventQueueSize(0),
	})
	def := defaultOptions()
	if o.connectTimeout != def.connectTimeout || o.maxIdleTime != def.maxIdleTime {
		t.Error("negative durations should be ignored")
	}
	if o.maintainInterval != def.maintainInterval || o.waitQueueTimeout != 0 {
		t.Error("non-positive intervals should be ignored")
	}
	if o.dialer == nil || o.logger == nil || o.clock == nil {
		t.Error("nil dependencies should be ignored")
	}
	if len(o.monitors) != 0 {
		t.Error("nil monitor should be ignored")
	}
	if o.eventQueueSize != DefaultEventQueueSize {
		t.Errorf("eventQueueSize = %d, want default", o.eventQueueSize)
	}
}

func TestOptionsFromClientOptions(t *testing.T) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	co := options.Client().
		SetAppName("orders").
		SetConnectTimeout(3 * time.Second).
		SetMaxConnIdleTime(time.Minute).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetLoadBalanced(true).
		SetTLSConfig(tlsCfg)

	o := apply(OptionsFromClientOptions(co))

	if o.appName != "orders" {
		t.Errorf("appName = %q", o.appName)
	}
	if o.connectTimeout != 3*time.Second {
		t.Errorf("connectTimeout = %v", o.connectTimeout)
	}
	if o.maxIdleTime != time.Minute {
		t.Errorf("maxIdleTime = %v", o.maxIdleTime)
	}
	if o.maxPoolSize != 50 || o.minPoolSize != 5 {
		t.Errorf("pool size = [%d, %d], want [5, 50]", o.minPoolSize, o.maxPoolSize)
	}
	if !o.loadBalanced {
		t.Error("loadBalanced not mapped")
	}
	if o.tlsConfig != tlsCfg {
		t.Error("TLS config not mapped")
	}

	if got := OptionsFromClientOptions(nil); got != nil {
		t.Errorf("expected no options for nil client options, got %d", len(got))
	}
}

func TestOptionsFromURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		wantHosts int
		wantMax   uint64
		wantMin   uint64
		wantIdle  time.Duration
		wantErr   bool
	}{
		{
			name:      "pool settings",
			uri:       "mongodb://a.example.com:27017,b.example.com:27018/?maxPoolSize=5&minPoolSize=1&maxIdleTimeMS=60000&appName=svc",
			wantHosts: 2,
			wantMax:   5,
			wantMin:   1,
			wantIdle:  time.Minute,
		},
		{
			name:      "defaults",
			uri:       "mongodb://localhost:27017",
			wantHosts: 1,
			wantMax:   DefaultMaxPoolSize,
		},
		{
			name:    "bad scheme",
			uri:     "http://localhost:27017",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, opts, err := OptionsFromURI(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("OptionsFromURI: %v", err)
			}
			if len(hosts) != tt.wantHosts {
				t.Errorf("hosts = %v, want %d", hosts, tt.wantHosts)
			}
			o := apply(opts)
			if o.maxPoolSize != tt.wantMax || o.minPoolSize != tt.wantMin {
				t.Errorf("pool size = [%d, %d], want [%d, %d]", o.minPoolSize, o.maxPoolSize, tt.wantMin, tt.wantMax)
			}
			if o.maxIdleTime != tt.wantIdle {
				t.Errorf("maxIdleTime = %v, want %v", o.maxIdleTime, tt.wantIdle)
			}
		})
	}
}

func TestMonitorOptions(t *testing.T) {
	o := apply([]Option{WithMaxPoolSize(7), WithMinPoolSize(2), WithMaxIdleTime(1500 * time.Millisecond)})
	mo := o.monitorOptions()
	if mo.MaxPoolSize != 7 || mo.MinPoolSize != 2 || mo.MaxIdleTimeMS != 1500 {
		t.Errorf("unexpected monitor options %+v", mo)
	}
}
