package popup

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happychain/wallet-core/internal/provider"
)

func TestBuildURL_RoundTrip(t *testing.T) {
	windowID := uuid.New()
	key := uuid.New()
	req := provider.RequestParams{
		Method: "eth_sendTransaction",
		Params: json.RawMessage(`[{"to":"0x5FbDB2315678afecb367f032d93F642f64180aa3","value":"0x1"}]`),
	}

	rawURL, err := BuildURL("http://localhost:6431", windowID, key, req)
	require.NoError(t, err)
	assert.Contains(t, rawURL, "http://localhost:6431/request?")

	gotWindow, gotKey, gotReq, err := DecodeArgs(rawURL)
	require.NoError(t, err)
	assert.Equal(t, windowID, gotWindow)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, req.Method, gotReq.Method)
	assert.JSONEq(t, string(req.Params), string(gotReq.Params))
}

func TestDecodeArgs_Invalid(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		rawURL, err := BuildURL("http://localhost:6431", uuid.New(), uuid.New(), provider.RequestParams{Method: "eth_chainId"})
		require.NoError(t, err)

		_, _, _, err = DecodeArgs(rawURL[:len(rawURL)-10])
		assert.Error(t, err)
	})

	t.Run("garbage args", func(t *testing.T) {
		_, _, _, err := DecodeArgs("http://localhost:6431/request?windowId=" +
			uuid.NewString() + "&key=" + uuid.NewString() + "&args=%%%")
		assert.Error(t, err)
	})
}

func TestBuildURL_BadBase(t *testing.T) {
	_, err := BuildURL("://nope", uuid.New(), uuid.New(), provider.RequestParams{Method: "eth_chainId"})
	assert.Error(t, err)
}
