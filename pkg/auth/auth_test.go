package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBasic(t *testing.T) {
	m := Basic("neo4j", "secret", "").Map()
	assert.Equal(t, map[string]any{
		"scheme":      "basic",
		"principal":   "neo4j",
		"credentials": "secret",
	}, m)
}

func TestBasicWithRealm(t *testing.T) {
	m := Basic("neo4j", "secret", "native").Map()
	assert.Equal(t, "native", m["realm"])
}

func TestBearer(t *testing.T) {
	m := Bearer("tok-123").Map()
	assert.Equal(t, "bearer", m["scheme"])
	assert.Equal(t, "tok-123", m["credentials"])
	assert.NotContains(t, m, "principal")
}

func TestKerberos(t *testing.T) {
	m := Kerberos("dGlja2V0").Map()
	assert.Equal(t, "kerberos", m["scheme"])
	assert.Equal(t, "dGlja2V0", m["credentials"])
}

func TestNone(t *testing.T) {
	assert.Equal(t, map[string]any{"scheme": "none"}, None().Map())
	assert.Equal(t, map[string]any{"scheme": "none"}, Token{}.Map())
}

func TestCustom(t *testing.T) {
	m := Custom("ldap", "cn=admin", "secret", "corp", map[string]any{"ou": "eng"}).Map()
	assert.Equal(t, "ldap", m["scheme"])
	assert.Equal(t, map[string]any{"ou": "eng"}, m["parameters"])
}
