package jsonrpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/flowcore/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

// pipePair connects a Client to an in-process peer that answers "echo" calls
// with their params and anything else with a method-not-found error.
func pipePair(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	c := New(clientConn, clientConn, testLogger(t))
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	go func() {
		dec := json.NewDecoder(serverConn)
		for {
			var req Request
			if err := dec.Decode(&req); err != nil {
				return
			}
			var resp Response
			resp.JSONRPC = "2.0"
			resp.ID = req.ID
			switch req.Method {
			case "echo":
				resp.Result = req.Params
			default:
				resp.Error = &Error{Code: MethodNotFound, Message: "method not found"}
			}
			data, _ := json.Marshal(resp)
			data = append(data, '\n')
			serverConn.Write(data)
		}
	}()

	return c, serverConn
}

func TestClientCallEchoesParams(t *testing.T) {
	c, conn := pipePair(t)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Call(ctx, "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	var out map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &out))
	assert.Equal(t, "world", out["hello"])
}

func TestClientCallUnknownMethodReturnsError(t *testing.T) {
	c, conn := pipePair(t)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := c.Call(ctx, "nope", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
}

func TestClientCallContextCancelled(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := New(clientConn, clientConn, testLogger(t))
	c.Start(context.Background())
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, "echo", nil)
	assert.Error(t, err)
}
