package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload(t *testing.T) {
	t.Run("publish", func(t *testing.T) {
		p, err := DecodePayload(JobKindPublish, json.RawMessage(`{"clip_id":"c","account_id":"a","platform":"tiktok"}`))
		require.NoError(t, err)
		pub, ok := p.(PublishPayload)
		require.True(t, ok)
		assert.Equal(t, "tiktok", pub.Platform)
		assert.Equal(t, JobKindPublish, pub.Kind())
	})

	t.Run("transcribe requires absolute url", func(t *testing.T) {
		_, err := DecodePayload(JobKindTranscribe, json.RawMessage(`{"clip_id":"c","source_url":"/relative"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "source_url")
	})

	t.Run("webhook body must be json", func(t *testing.T) {
		p, err := DecodePayload(JobKindWebhook, json.RawMessage(`{"body":{"a":1}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(p.(WebhookPayload).Body))

		_, err = DecodePayload(JobKindWebhook, json.RawMessage(`{"url":"ftp://x"  ,"body":{}}`))
		require.Error(t, err)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodePayload("other", json.RawMessage(`{}`))
		require.Error(t, err)
	})
}

func TestDecodeResult(t *testing.T) {
	out, err := DecodeResult(JobKindRender, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = DecodeResult(JobKindRender, json.RawMessage(`{"output_url":"https://cdn/x.mp4"}`))
	require.NoError(t, err)
	assert.Equal(t, &RenderResult{OutputURL: "https://cdn/x.mp4"}, out)

	_, err = DecodeResult(JobKindPublish, json.RawMessage(`[1]`))
	require.Error(t, err)
}
