package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *PreviewError
		want string
	}{
		{
			name: "code and message",
			err:  ErrMissingEntryPoint(),
			want: "[MISSING_ENTRY_POINT] no index.html found in the virtual filesystem",
		},
		{
			name: "path and cause",
			err:  ErrMalformedOverlayContent("css/site.css", io.ErrUnexpectedEOF),
			want: "[MALFORMED_OVERLAY_CONTENT] css/site.css pending edit dropped, content is not valid base64: unexpected EOF",
		},
		{
			name: "generation",
			err:  ErrSurfaceCommunication("g-1"),
			want: "[SURFACE_COMMUNICATION_FAILURE] generation:g-1 rendering surface has not signaled load completion",
		},
		{
			name: "message only",
			err:  &PreviewError{Message: "plain"},
			want: "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestPreviewErrorChain(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := NewIOError(ErrCodeOverlayUnavailable, "reading overlay", cause).
		WithPath("edits.yml").
		WithContext("attempt", 2)

	wrapped := fmt.Errorf("regenerate: %w", err)

	assert.True(t, errors.Is(wrapped, cause))
	assert.True(t, errors.Is(wrapped, &PreviewError{Type: ErrorTypeIO, Code: ErrCodeOverlayUnavailable}))
	assert.False(t, errors.Is(wrapped, &PreviewError{Type: ErrorTypeIO, Code: ErrCodeSnapshotUnavailable}))

	var pe *PreviewError
	require.True(t, As(wrapped, &pe))
	assert.Equal(t, "edits.yml", pe.Path)
	assert.Equal(t, 2, pe.Context["attempt"])

	assert.True(t, HasCode(wrapped, ErrCodeOverlayUnavailable))
	assert.False(t, HasCode(cause, ErrCodeOverlayUnavailable))
	assert.False(t, IsRecoverable(wrapped))
	assert.True(t, IsRecoverable(ErrUnresolvedReference("x.png")))
	assert.False(t, IsRecoverable(cause))
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "warning", SeverityWarning.String())
	assert.Equal(t, "error", SeverityError.String())
	assert.Equal(t, "unknown", Severity(42).String())
}

type logEntry struct {
	level string
	msg   string
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level, msg})
}

func (l *recordingLogger) Info(_ context.Context, msg string, _ ...interface{}) {
	l.add("info", msg)
}

func (l *recordingLogger) Warn(_ context.Context, _ error, msg string, _ ...interface{}) {
	l.add("warn", msg)
}

func (l *recordingLogger) Error(_ context.Context, _ error, msg string, _ ...interface{}) {
	l.add("error", msg)
}

func TestErrorHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("notifies preview errors by severity", func(t *testing.T) {
		logger := &recordingLogger{}
		var notified []string
		h := NewErrorHandler(logger, NotifierFunc(func(_ context.Context, err *PreviewError) error {
			notified = append(notified, err.Code)
			return nil
		}))

		h.Handle(ctx, ErrMissingEntryPoint())
		h.Handle(ctx, ErrMalformedSnapshotContent("a.png", io.EOF))

		assert.Equal(t, []string{ErrCodeMissingEntryPoint, ErrCodeMalformedSnapshotContent}, notified)
		require.Len(t, logger.entries, 2)
		assert.Equal(t, "error", logger.entries[0].level)
		assert.Equal(t, "warn", logger.entries[1].level)
	})

	t.Run("unresolved references are log only", func(t *testing.T) {
		logger := &recordingLogger{}
		notified := 0
		h := NewErrorHandler(logger, NotifierFunc(func(context.Context, *PreviewError) error {
			notified++
			return nil
		}))

		h.Handle(ctx, ErrUnresolvedReference("missing.js"))

		assert.Zero(t, notified)
		require.Len(t, logger.entries, 1)
		assert.Equal(t, "info", logger.entries[0].level)
	})

	t.Run("generic errors become internal notifications", func(t *testing.T) {
		var got *PreviewError
		h := NewErrorHandler(&recordingLogger{}, NotifierFunc(func(_ context.Context, err *PreviewError) error {
			got = err
			return nil
		}))

		h.Handle(ctx, io.ErrClosedPipe)

		require.NotNil(t, got)
		assert.Equal(t, ErrCodeInternalError, got.Code)
		assert.ErrorIs(t, got, io.ErrClosedPipe)
	})

	t.Run("failed delivery is logged", func(t *testing.T) {
		logger := &recordingLogger{}
		h := NewErrorHandler(logger, NotifierFunc(func(context.Context, *PreviewError) error {
			return io.ErrShortWrite
		}))

		h.Handle(ctx, ErrSurfaceCommunication("g-2"))

		require.Len(t, logger.entries, 2)
		assert.Equal(t, "Failed to deliver notification", logger.entries[1].msg)
	})

	t.Run("nil collaborators and nil errors", func(t *testing.T) {
		h := NewErrorHandler(nil, nil)
		assert.NotPanics(t, func() {
			h.Handle(ctx, nil)
			h.Handle(ctx, ErrMissingEntryPoint())
			h.Handle(ctx, io.EOF)
		})
	})
}
