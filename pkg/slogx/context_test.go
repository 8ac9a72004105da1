package slogx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromContextFallsBackToDefault(t *testing.T) {
	require.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestWithContextRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := WithContext(context.Background(), logger)
	require.Equal(t, logger, FromContext(ctx))
}

func TestWithRealmTagsLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithRealm(WithContext(context.Background(), logger), "master")
	FromContext(ctx).Info("issued")

	require.Contains(t, buf.String(), `"realm":"master"`)
}
