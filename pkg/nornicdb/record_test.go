package nornicdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsConversions(t *testing.T) {
	s, err := As[string]("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	// Wire integers are int64; narrower asks widen transparently.
	i, err := As[int](int64(42))
	require.NoError(t, err)
	assert.Equal(t, 42, i)

	f, err := As[float64](int64(2))
	require.NoError(t, err)
	assert.Equal(t, 2.0, f)

	n, err := As[Node](Node{Id: 1, Labels: []string{"X"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n.Id)
}

func TestAsMismatch(t *testing.T) {
	_, err := As[string](int64(1))
	var de *DeserializationError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Error(), "string")

	_, err = As[Node]("not a node")
	require.ErrorAs(t, err, &de)
}

func TestGetByKey(t *testing.T) {
	rec := &Record{Keys: []string{"name", "age"}, Values: []any{"Mark", int64(40)}}

	name, err := Get[string](rec, "name")
	require.NoError(t, err)
	assert.Equal(t, "Mark", name)

	age, err := Get[int](rec, "age")
	require.NoError(t, err)
	assert.Equal(t, 40, age)

	_, err = Get[string](rec, "missing")
	var de *DeserializationError
	require.ErrorAs(t, err, &de)
}

func TestIsRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &ServerError{Code: "Neo.TransientError.General.MemoryPoolOutOfMemoryError"}, true},
		{"lock client stopped", &ServerError{Code: "Neo.TransientError.Transaction.LockClientStopped"}, true},
		{"not a leader", &ServerError{Code: "Neo.ClientError.Cluster.NotALeader"}, true},
		{"syntax", &ServerError{Code: "Neo.ClientError.Statement.SyntaxError"}, false},
		{"unauthorized", &ServerError{Code: "Neo.ClientError.Security.Unauthorized"}, false},
		{"auth", &AuthError{Server: &ServerError{Code: "Neo.ClientError.Security.Unauthorized"}}, false},
		{"connection", &ConnectionError{Err: assert.AnError}, true},
		{"protocol", &ProtocolError{Message: "boom"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
