package cfgx_test

import (
	"flag"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/outboxkit/pgoutbox/cfgx"
)

// cleanupEnv registers cleanup to unset the given environment variables
func cleanupEnv(t *testing.T, keys ...string) {
	t.Helper()
	t.Cleanup(func() {
		for _, key := range keys {
			os.Unsetenv(key)
		}
	})
}

func TestParse(t *testing.T) {
	cfg := struct {
		Version     string
		Maintainer  string `env:"OUTBOX_MAINTAINER" optional:"true" desc:"Team that owns this deployment"`
		PollMs      int    `default:"5000" short:"p" desc:"Polling interval in milliseconds"`
		ListenerDSN string `default:"postgres://localhost:5432/app" env:"LISTENER_DSN" desc:"Connection string for the replication listener"`
		UsePolling  bool   `default:"true" short:"d"`
		Replication struct {
			Slot string `default:"outbox_slot" desc:"Logical replication slot name"`
		}
	}{Version: "v10.0.0"}

	t.Run("Defaults", func(t *testing.T) {

		cfg := cfg
		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if err != nil {
			t.Fatal(err)
		}

		if cfg.Maintainer != "" {
			t.Errorf("Maintainer: wanted empty string, got %s", cfg.Maintainer)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", "v10.0.0", cfg.Version)
		}
		if want := 5000; cfg.PollMs != want {
			t.Errorf("PollMs: wanted %d, got %d", want, cfg.PollMs)
		}
		if want := "outbox_slot"; cfg.Replication.Slot != want {
			t.Errorf("Replication.Slot: wanted %s, got %s", want, cfg.Replication.Slot)
		}
		if want := "postgres://localhost:5432/app"; cfg.ListenerDSN != want {
			t.Errorf("ListenerDSN: wanted %s, got %s", want, cfg.ListenerDSN)
		}
		if want := true; cfg.UsePolling != want {
			t.Errorf("UsePolling: wanted %t, got %t", want, cfg.UsePolling)
		}
	})
	t.Run("EnvsPrefixed", func(t *testing.T) {

		cfg := cfg

		os.Setenv("OUTBOX_MAINTAINER", "payments-team") // Should use tag
		os.Setenv("APP_POLL_MS", "250")
		os.Setenv("APP_REPLICATION_SLOT", "payments_slot")
		os.Setenv("VERSION", "error") // Should skip
		os.Setenv("LISTENER_DSN", "postgres://listener/app")
		cleanupEnv(t, "OUTBOX_MAINTAINER", "APP_POLL_MS", "APP_REPLICATION_SLOT", "VERSION", "LISTENER_DSN")

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, EnvPrefix: "APP"})
		if err != nil {
			t.Fatal(err)
		}

		if want := "payments-team"; cfg.Maintainer != want {
			t.Errorf("Maintainer: wanted %s, got %s", want, cfg.Maintainer)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
		if want := 250; cfg.PollMs != want {
			t.Errorf("PollMs: wanted %d, got %d", want, cfg.PollMs)
		}
		if want := "payments_slot"; cfg.Replication.Slot != want {
			t.Errorf("Replication.Slot: wanted %s, got %s", want, cfg.Replication.Slot)
		}
		if want := "postgres://listener/app"; cfg.ListenerDSN != want {
			t.Errorf("ListenerDSN: wanted %s, got %s", want, cfg.ListenerDSN)
		}
		if want := true; cfg.UsePolling != want {
			t.Errorf("UsePolling: wanted %t, got %t", want, cfg.UsePolling)
		}
	})

	t.Run("Envs", func(t *testing.T) {

		cfg := cfg

		os.Setenv("OUTBOX_MAINTAINER", "payments-team")
		os.Setenv("POLL_MS", "250")
		os.Setenv("REPLICATION_SLOT", "payments_slot")
		os.Setenv("VERSION", "error")
		os.Setenv("LISTENER_DSN", "postgres://listener/app")
		cleanupEnv(t, "OUTBOX_MAINTAINER", "POLL_MS", "REPLICATION_SLOT", "VERSION", "LISTENER_DSN")

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true})
		if err != nil {
			t.Fatal(err)
		}

		if want := "payments-team"; cfg.Maintainer != want {
			t.Errorf("Maintainer: wanted %s, got %s", want, cfg.Maintainer)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
		if want := 250; cfg.PollMs != want {
			t.Errorf("PollMs: wanted %d, got %d", want, cfg.PollMs)
		}
		if want := "payments_slot"; cfg.Replication.Slot != want {
			t.Errorf("Replication.Slot: wanted %s, got %s", want, cfg.Replication.Slot)
		}
		if want := "postgres://listener/app"; cfg.ListenerDSN != want {
			t.Errorf("ListenerDSN: wanted %s, got %s", want, cfg.ListenerDSN)
		}
		if want := true; cfg.UsePolling != want {
			t.Errorf("UsePolling: wanted %t, got %t", want, cfg.UsePolling)
		}
	})

	t.Run("Flags", func(t *testing.T) {
		cfg := cfg
		os.Setenv("OUTBOX_MAINTAINER", "payments-team")
		os.Setenv("POLL_MS", "250")
		os.Setenv("REPLICATION_SLOT", "payments_slot")
		os.Setenv("LISTENER_DSN", "postgres://listener/app")
		os.Setenv("USE_POLLING", "true")
		cleanupEnv(t, "OUTBOX_MAINTAINER", "POLL_MS", "REPLICATION_SLOT", "LISTENER_DSN", "USE_POLLING")

		args := []string{"-poll-ms", "100", "--replication-slot=orders_slot", "-maintainer=orders-team", "-listener-dsn=postgres://other/app"}

		err := cfgx.Parse(&cfg, cfgx.Options{Args: args})
		if err != nil {
			t.Fatal(err)
		}

		if want := "orders-team"; cfg.Maintainer != want {
			t.Errorf("Maintainer: wanted %s, got %s", want, cfg.Maintainer)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
		if want := 100; cfg.PollMs != want {
			t.Errorf("PollMs: wanted %d, got %d", want, cfg.PollMs)
		}
		if want := "orders_slot"; cfg.Replication.Slot != want {
			t.Errorf("Replication.Slot: wanted %s, got %s", want, cfg.Replication.Slot)
		}
		if want := "postgres://other/app"; cfg.ListenerDSN != want {
			t.Errorf("ListenerDSN: wanted %s, got %s", want, cfg.ListenerDSN)
		}
	})

	t.Run("Flags_Short", func(t *testing.T) {
		cfg := cfg
		os.Setenv("OUTBOX_MAINTAINER", "payments-team")
		os.Setenv("POLL_MS", "250")
		os.Setenv("REPLICATION_SLOT", "payments_slot")
		os.Setenv("LISTENER_DSN", "postgres://listener/app")
		cleanupEnv(t, "OUTBOX_MAINTAINER", "POLL_MS", "REPLICATION_SLOT", "LISTENER_DSN")

		args := []string{"-p", "100", "--replication-slot=orders_slot", "-maintainer=orders-team", "-listener-dsn=postgres://other/app"}

		err := cfgx.Parse(&cfg, cfgx.Options{Args: args})
		if err != nil {
			t.Fatal(err)
		}

		if want := "orders-team"; cfg.Maintainer != want {
			t.Errorf("Maintainer: wanted %s, got %s", want, cfg.Maintainer)
		}
		if want := "v10.0.0"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
		if want := 100; cfg.PollMs != want {
			t.Errorf("PollMs: wanted %d, got %d", want, cfg.PollMs)
		}
		if want := "orders_slot"; cfg.Replication.Slot != want {
			t.Errorf("Replication.Slot: wanted %s, got %s", want, cfg.Replication.Slot)
		}
		if want := "postgres://other/app"; cfg.ListenerDSN != want {
			t.Errorf("ListenerDSN: wanted %s, got %s", want, cfg.ListenerDSN)
		}
	})

	t.Run("Files", func(t *testing.T) {

		fakeFS := fstest.MapFS{
			"listener_dsn": &fstest.MapFile{
				Data: []byte("postgres://secret/app"),
			},
			"poll_ms": &fstest.MapFile{
				Data: []byte("5"),
			},
		}

		var cfg struct {
			ListenerDSN string
			PollMs      int
		}

		sfc := &cfgx.FileContentSource{
			PriorityLevel: 50,
			Tag:           "file",
			FS:            fakeFS,
		}

		err := cfgx.Parse(&cfg, cfgx.Options{
			SkipFlags: true,
			SkipEnv:   true,
			Sources:   []cfgx.Source{sfc},
		})
		if err != nil {
			t.Fatal(err)
		}

		if want, got := "postgres://secret/app", cfg.ListenerDSN; got != want {
			t.Errorf("ListenerDSN: wanted %s, got %s", want, got)
		}
		if want, got := 5, cfg.PollMs; want != got {
			t.Errorf("PollMs: wanted %d, got %d", want, got)
		}
	})
}

func TestOptions(t *testing.T) {
	t.Parallel()

	type bicfg struct {
		Version     string
		Maintainer  string `env:"OUTBOX_MAINTAINER" optional:"true" desc:"Team that owns this deployment"`
		PollMs      int    `default:"5000" desc:"Polling interval in milliseconds"`
		ListenerDSN string `default:"postgres://localhost:5432/app" env:"LISTENER_DSN" short:"p" desc:"Connection string for the replication listener"`
		Replication struct {
			Slot string `default:"outbox_slot" desc:"Logical replication slot name"`
		}
	}
	t.Run("BuildInfo", func(t *testing.T) {
		var cfg bicfg
		cfgx.Parse(&cfg, cfgx.Options{
			ProgramName:   "outboxdemo",
			SkipFlags:     true,
			SkipEnv:       true,
			ErrorHandling: flag.PanicOnError,
		})

		if want := "(devel)"; cfg.Version != want {
			t.Errorf("Version: wanted %s, got %s", want, cfg.Version)
		}
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()
	t.Run("OptionalNone", func(t *testing.T) {
		var cfg struct {
			Slot string
		}

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if err == nil {
			t.Fatal(err)
		}
	})

	t.Run("OptionalTrue", func(t *testing.T) {
		var cfg struct {
			Slot string `optional:"true"`
		}

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run("OptionalFalse", func(t *testing.T) {
		var cfg struct {
			Slot string `optional:"false"`
		}

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if err == nil {
			t.Fatal(err)
		}
	})
}

func TestTypeSupport(t *testing.T) {
	t.Parallel()

	t.Run("Duration_Default", func(t *testing.T) {
		t.Parallel()
		var cfg struct {
			PollInterval time.Duration `default:"5s"`
		}

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if err != nil {
			t.Fatal(err)
		}

		if want := 5 * time.Second; cfg.PollInterval != want {
			t.Errorf("PollInterval: wanted %v, got %v", want, cfg.PollInterval)
		}
	})

	t.Run("Duration_Env", func(t *testing.T) {
		t.Parallel()
		var cfg struct {
			PollInterval time.Duration
		}

		os.Setenv("POLL_INTERVAL", "10m")
		cleanupEnv(t, "POLL_INTERVAL")

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true})
		if err != nil {
			t.Fatal(err)
		}

		if want := 10 * time.Minute; cfg.PollInterval != want {
			t.Errorf("PollInterval: wanted %v, got %v", want, cfg.PollInterval)
		}
	})

	t.Run("Duration_Flag", func(t *testing.T) {
		t.Parallel()
		var cfg struct {
			PollInterval time.Duration `short:"t"`
		}

		args := []string{"-t", "1h30m"}

		err := cfgx.Parse(&cfg, cfgx.Options{Args: args, SkipEnv: true})
		if err != nil {
			t.Fatal(err)
		}

		if want := 90 * time.Minute; cfg.PollInterval != want {
			t.Errorf("PollInterval: wanted %v, got %v", want, cfg.PollInterval)
		}
	})

	t.Run("Int64", func(t *testing.T) {
		t.Parallel()
		var cfg struct {
			LastLSN int64 `default:"9223372036854775807"`
		}

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if err != nil {
			t.Fatal(err)
		}

		if want := int64(9223372036854775807); cfg.LastLSN != want {
			t.Errorf("LastLSN: wanted %d, got %d", want, cfg.LastLSN)
		}
	})

	t.Run("Uint", func(t *testing.T) {
		t.Parallel()
		var cfg struct {
			BatchSize uint `default:"42"`
		}

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if err != nil {
			t.Fatal(err)
		}

		if want := uint(42); cfg.BatchSize != want {
			t.Errorf("BatchSize: wanted %d, got %d", want, cfg.BatchSize)
		}
	})

	t.Run("Float64", func(t *testing.T) {
		t.Parallel()
		var cfg struct {
			BackoffMultiplier float64 `default:"3.14159"`
		}

		err := cfgx.Parse(&cfg, cfgx.Options{SkipFlags: true, SkipEnv: true})
		if err != nil {
			t.Fatal(err)
		}

		if want := 3.14159; cfg.BackoffMultiplier != want {
			t.Errorf("BackoffMultiplier: wanted %f, got %f", want, cfg.BackoffMultiplier)
		}
	})
}
