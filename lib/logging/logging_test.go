package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logger.LogLevel{
		"debug": logger.DEBUG, "INFO": logger.INFO, "warn": logger.WARNING,
		"warning": logger.WARNING, "error": logger.ERROR,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestParseLevels(t *testing.T) {
	lv, err := ParseLevels(" warn, txsync=debug ,raft=error")
	if err != nil {
		t.Fatal(err)
	}
	if lv.For("txsync") != logger.DEBUG || lv.For("raft") != logger.ERROR || lv.For("cache") != logger.WARNING {
		t.Errorf("unexpected levels %s", lv)
	}
	if got := lv.String(); got != "warn,raft=error,txsync=debug" {
		t.Errorf("String() = %q", got)
	}

	lv, err = ParseLevels("lockmgr=debug")
	if err != nil {
		t.Fatal(err)
	}
	if lv.Default != logger.INFO {
		t.Errorf("default = %v, want info", lv.Default)
	}

	for _, bad := range []string{"warn,error", "=debug", "txsync=loud", "loud"} {
		if _, err := ParseLevels(bad); err == nil {
			t.Errorf("ParseLevels(%q): expected error", bad)
		}
	}
}

func TestLevelsWith(t *testing.T) {
	base, _ := ParseLevels("warn,cache=debug,tx=error")
	extra, _ := ParseLevels("error,tx=info")
	got := base.With(extra)
	if got.Default != logger.WARNING || got.For("tx") != logger.INFO || got.For("cache") != logger.DEBUG {
		t.Errorf("merged levels %s", got)
	}
	if base.For("tx") != logger.ERROR {
		t.Error("With modified the receiver")
	}
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	l := CreateLogger("container")
	l.SetLevel(logger.WARNING)
	l.Infof("hidden")
	l.Warningf("evicted %s", "alice")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warning level: %q", out)
	}
	if !strings.Contains(out, "WARN  | container       | evicted alice") {
		t.Errorf("unexpected format: %q", out)
	}
}

func TestInitLoggersTwice(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	if err := InitLoggers("error"); err != nil {
		t.Fatal(err)
	}
	if err := InitLoggers("warn,logging-test=debug"); err != nil {
		t.Fatal(err)
	}

	// created after the last spec: the override applies
	logger.GetLogger("logging-test").Debugf("visible")
	// created lazily after the spec: the default applies
	CreateLogger("late").Infof("hidden")

	out := buf.String()
	if !strings.Contains(out, "visible") || strings.Contains(out, "hidden") {
		t.Errorf("unexpected output %q", out)
	}
}
