package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/connector/pkg/policy"
	"github.com/openfroyo/connector/pkg/transfer"
)

const bucketScript = `
def applies(request, address):
    return request.destination.type == "S3"

def generate(request, address):
    return {
        "kind": "S3Bucket",
        "params": {
            "bucket": "tp-" + request.id,
            "region": request.destination.properties.get("region", "eu-west-1"),
            "policy": request.policy_uid,
            "versioned": True,
        },
    }
`

func testRequest(destType string) *transfer.TransferRequest {
	return &transfer.TransferRequest{
		ID:          "req-1",
		AssetID:     "asset-1",
		ContractID:  "contract-1",
		Type:        transfer.TransferTypePush,
		Destination: transfer.DataAddress{Type: destType, Properties: map[string]string{"region": "us-east-1"}},
	}
}

func TestConsumerGenerator(t *testing.T) {
	s, err := Compile("bucket", bucketScript)
	require.NoError(t, err)
	g := ConsumerGenerator{s}

	assert.Equal(t, transfer.RoleConsumer, g.Role())
	assert.Equal(t, "bucket", g.Name())
	assert.False(t, g.CanGenerate(testRequest("HttpProxy"), nil))

	req := testRequest("S3")
	p := &policy.Policy{UID: "pol-1"}
	require.True(t, g.CanGenerate(req, p))

	def, err := g.Generate(req, p)
	require.NoError(t, err)
	assert.Equal(t, "S3Bucket", def.Kind)
	assert.NotEmpty(t, def.ID)
	assert.Equal(t, map[string]string{
		"bucket":    "tp-req-1",
		"region":    "us-east-1",
		"policy":    "pol-1",
		"versioned": "True",
	}, def.Params)
}

func TestProviderGenerator(t *testing.T) {
	s, err := Compile("source", `
def generate(request, address):
    if address.type != "HttpData":
        return None
    return {"id": "fixed", "kind": "Cache", "params": {"url": address.properties["baseUrl"]}}
`)
	require.NoError(t, err)
	g := ProviderGenerator{s}

	req := testRequest("HttpProxy")
	addr := transfer.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://src"}}
	assert.True(t, g.CanGenerate(req, addr, nil), "scripts without applies always apply")

	def, err := g.Generate(req, addr, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", def.ID)
	assert.Equal(t, "http://src", def.Param("url"))

	def, err = g.Generate(req, transfer.DataAddress{Type: "SFTP"}, nil)
	require.NoError(t, err)
	assert.Nil(t, def)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", "def generate(:\n"},
		{"missing generate", "x = 1\n"},
		{"applies not callable", "applies = True\ndef generate(r, a):\n    return None\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.name, tt.src)
			assert.Error(t, err)
		})
	}
}

func TestGenerateErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not a dict", `return "S3"`},
		{"missing kind", `return {"params": {}}`},
		{"empty kind", `return {"kind": ""}`},
		{"bad params", `return {"kind": "X", "params": ["a"]}`},
		{"nested param", `return {"kind": "X", "params": {"a": [1]}}`},
		{"runtime error", `return {"kind": 1 + "a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Compile(tt.name, "def generate(request, address):\n    "+tt.body+"\n")
			require.NoError(t, err)
			_, err = ConsumerGenerator{s}.Generate(testRequest("S3"), nil)
			assert.Error(t, err)
		})
	}
}

func TestRunawayScriptIsStopped(t *testing.T) {
	s, err := Compile("loop", `
def generate(request, address):
    n = 0
    for i in range(100000000):
        n += i
    return None
`, WithMaxSteps(10_000), WithTimeout(time.Second))
	require.NoError(t, err)

	_, err = ConsumerGenerator{s}.Generate(testRequest("S3"), nil)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bucket.star")
	require.NoError(t, os.WriteFile(path, []byte(bucketScript), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bucket", s.Name())

	_, err = Load(filepath.Join(t.TempDir(), "missing.star"))
	assert.Error(t, err)
}
