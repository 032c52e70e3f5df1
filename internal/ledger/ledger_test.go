package ledger

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/fieldcam/camsync/internal/servicelog"
)

type zapLogger struct{ z *zap.Logger }

func testLogger() servicelog.Logger {
	l, _ := zap.NewDevelopment()
	return zapLogger{z: l}
}

func (l zapLogger) With(attrs ...servicelog.Attrib) servicelog.Logger {
	return zapLogger{z: l.z.With(attrs...)}
}
func (l zapLogger) Info(msg string, attrs ...servicelog.Attrib)  { l.z.Info(msg, attrs...) }
func (l zapLogger) Error(msg string, attrs ...servicelog.Attrib) { l.z.Error(msg, attrs...) }
func (l zapLogger) Warn(msg string, attrs ...servicelog.Attrib)  { l.z.Warn(msg, attrs...) }
func (l zapLogger) Debug(msg string, attrs ...servicelog.Attrib) { l.z.Debug(msg, attrs...) }
func (l zapLogger) Fatal(msg string, attrs ...servicelog.Attrib) { l.z.Fatal(msg, attrs...) }

func TestOpenMigratesAndRecordsRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ledger.sqlite")
	store, err := Open(testLogger(), "sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	store.Record(CaptureRecord{
		Session:       "s1",
		OK:            true,
		Diagnostic:    "OK",
		FrameCount:    3,
		ArtifactCount: 3,
		DurationMs:    450,
	})

	records, err := store.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Session != "s1" {
		t.Fatalf("expected one record for s1, got %+v", records)
	}
}

func TestUnknownDriverDefaultsToSqlite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "fallback.sqlite")
	store, err := Open(testLogger(), "not-a-real-driver", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.Recent(1); err != nil {
		t.Fatal(err)
	}
}
