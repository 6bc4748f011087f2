package userdata

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"testing"

	"github.com/fly-io/brkt/pkg/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	c := &InstanceConfig{Mode: ModeUpdater, StatusPort: 8000}
	data, err := c.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"brkt":{"solo_mode":"updater","status_port":8000}}`, string(data))
}

func TestJSON_Environment(t *testing.T) {
	env, err := ParseEnvironment("api.example.com:443,hsmproxy.example.com:443")
	require.NoError(t, err)
	c := &InstanceConfig{Mode: ModeCreator, Environment: env, NTPServers: []string{"0.pool.ntp.org"}}

	data, err := c.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"brkt":{
		"solo_mode":"creator",
		"api_host":"api.example.com:443",
		"hsmproxy_host":"hsmproxy.example.com:443",
		"ntp_servers":["0.pool.ntp.org"]}}`, string(data))
}

func TestParseEnvironment_Errors(t *testing.T) {
	for _, s := range []string{
		"api.example.com:443",
		"api.example.com,hsm.example.com:443",
		"api.example.com:443,-bad-.example.com:443",
		"api.example.com:99999,hsm.example.com:443",
	} {
		_, err := ParseEnvironment(s)
		assert.True(t, errors.IsValidation(err), s)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&InstanceConfig{Mode: ModeMetavisor}).Validate())
	assert.Error(t, (&InstanceConfig{Mode: "chaos"}).Validate())
	assert.Error(t, (&InstanceConfig{Mode: ModeCreator, NTPServers: []string{"bad host"}}).Validate())
}

func TestUserData_Multipart(t *testing.T) {
	c := &InstanceConfig{Mode: ModeUpdater, StatusPort: 8001}
	doc, err := c.UserData()
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(doc))
	require.NoError(t, err)
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	part, err := multipart.NewReader(msg.Body, params["boundary"]).NextPart()
	require.NoError(t, err)
	assert.Contains(t, part.Header.Get("Content-Type"), ContentTypeBrktConfig)

	body, err := io.ReadAll(part)
	require.NoError(t, err)
	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "updater", decoded["brkt"]["solo_mode"])
	assert.EqualValues(t, 8001, decoded["brkt"]["status_port"])
}

func TestGzip(t *testing.T) {
	input := bytes.Repeat([]byte(`{"brkt":{}}`), 100)
	compressed, err := Gzip(input)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(input))

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, input, out)
}

func TestMetadata(t *testing.T) {
	items, err := (&InstanceConfig{Mode: ModeCreator, StatusPort: 8000}).Metadata()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "brkt", items[0].Key)
	assert.JSONEq(t, `{"solo_mode":"creator","status_port":8000}`, items[0].Value)
}
