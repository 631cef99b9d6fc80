package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-weft/internal/client"
	"github.com/23skdu/longbow-weft/internal/device"
	"github.com/23skdu/longbow-weft/internal/engine"
	"github.com/23skdu/longbow-weft/internal/model"
	"github.com/23skdu/longbow-weft/internal/tokenizer"
	"github.com/23skdu/longbow-weft/internal/weights"
)

type mockForwarder struct {
	mock.Mock
}

func (m *mockForwarder) Forward(ctx context.Context, datasetName, requestID string, steps []engine.Step) error {
	args := m.Called(ctx, datasetName, requestID, steps)
	return args.Error(0)
}

func (m *mockForwarder) Close() error {
	return nil
}

func testPool(t *testing.T) *engine.Pool {
	t.Helper()
	cfg, err := model.NewConfig(8, "tiny", model.RopeLLaMA, 0)
	require.NoError(t, err)
	b := device.NewCPUBackend()
	l := weights.NewRandomLoader(42)
	return engine.NewPool(2, func() (*engine.Executor, error) {
		return engine.NewExecutor(model.NewLLaMA(cfg), b, l), nil
	})
}

func post(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := cbor.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_Full(t *testing.T) {
	mfc := &mockForwarder{}
	srv := NewServer(testPool(t), tokenizer.Bytes{}, mfc, "test-dataset", 4, 8)

	var want []int

	t.Run("HandleGenerate with Forwarding", func(t *testing.T) {
		threeSteps := mock.MatchedBy(func(s []engine.Step) bool { return len(s) == 3 })
		mfc.On("Forward", mock.Anything, "test-dataset", mock.Anything, threeSteps).Return(nil).Once()

		rr := post(t, srv.handleGenerate, "/generate", GenerateRequest{Tokens: []int{1, 2}, Steps: 3})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

		var resp GenerateResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.ID)
		require.Len(t, resp.Tokens, 3)
		for _, tok := range resp.Tokens {
			assert.GreaterOrEqual(t, tok, 0)
			assert.Less(t, tok, 256)
		}
		want = resp.Tokens
		mfc.AssertExpectations(t)
	})

	t.Run("HandleGenerate from prompt text", func(t *testing.T) {
		mfc.On("Forward", mock.Anything, "test-dataset", mock.Anything, mock.Anything).Return(nil).Once()
		rr := post(t, srv.handleGenerate, "/generate", GenerateRequest{Prompt: "\x01\x02", Steps: 3})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var resp GenerateResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, want, resp.Tokens)
	})

	t.Run("HandleGenerateArrow", func(t *testing.T) {
		mfc.On("Forward", mock.Anything, "test-dataset", mock.Anything, mock.Anything).Return(nil).Once()
		rr := post(t, srv.handleGenerateArrow, "/generate/arrow", GenerateRequest{Tokens: []int{1, 2}, Steps: 3})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		reader, err := ipc.NewReader(rr.Body, ipc.WithAllocator(memory.NewGoAllocator()))
		require.NoError(t, err)
		defer reader.Release()
		assert.True(t, reader.Schema().Equal(client.GenerationSchema))

		require.True(t, reader.Next())
		rec := reader.Record()
		assert.Equal(t, int64(3), rec.NumRows())
		got := rec.Column(2).(*array.Int32).Int32Values()
		for i, tok := range want {
			assert.Equal(t, int32(tok), got[i])
		}
		assert.Equal(t, 256, rec.Column(3).(*array.List).ListValues().Len()/3)
	})

	t.Run("Forwarding errors do not fail the request", func(t *testing.T) {
		mfc.On("Forward", mock.Anything, "test-dataset", mock.Anything, mock.Anything).Return(client.ErrCircuitOpen).Once()
		rr := post(t, srv.handleGenerate, "/generate", GenerateRequest{Tokens: []int{1, 2}, Steps: 1})
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("Bad requests", func(t *testing.T) {
		tests := []struct {
			name string
			body any
		}{
			{"no prompt", GenerateRequest{Steps: 2}},
			{"no steps", GenerateRequest{Tokens: []int{1}}},
			{"over the cache limit", GenerateRequest{Tokens: []int{1, 2, 3, 4, 5, 6}, Steps: 4}},
			{"token outside vocab", GenerateRequest{Tokens: []int{1000}, Steps: 1}},
			{"not a request", "hello"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := post(t, srv.handleGenerate, "/generate", tt.body)
				assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			})
		}
	})

	t.Run("Method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/generate", nil)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})

	t.Run("Metrics", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "weft_requests_total")
	})

	mfc.AssertExpectations(t)
}

func TestFlightServer_DoPut(t *testing.T) {
	fs := NewWeftFlightServer(testPool(t), nil, "", 2)
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(fs)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	conn, err := grpc.NewClient(server.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	fc := flight.NewClientFromConn(conn, nil)

	rec, err := client.NewRecordBatchBuilder(nil).BuildPrompts([][]int{{1, 2}, {}, {3}})
	require.NoError(t, err)
	defer rec.Release()

	ctx := context.Background()
	stream, err := fc.DoPut(ctx)
	require.NoError(t, err)
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.PromptSchema))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"prompts"}})
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())
	require.NoError(t, stream.CloseSend())

	put, err := stream.Recv()
	require.NoError(t, err)
	var res PutResult
	require.NoError(t, cbor.Unmarshal(put.AppMetadata, &res))
	require.Len(t, res.IDs, 3)
	require.Len(t, res.Tokens, 3)
	assert.Len(t, res.Tokens[0], 2)
	assert.Empty(t, res.Tokens[1])
	assert.Len(t, res.Tokens[2], 2)
}

func TestGenerateResponseText(t *testing.T) {
	text := decodeText(tokenizer.Bytes{}, []int{104, 200, 201})
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, "h\uFFFD", text)

	data, err := cbor.Marshal(GenerateResponse{ID: "r", Tokens: []int{104, 200, 201}, Text: text})
	require.NoError(t, err)
	var resp GenerateResponse
	require.NoError(t, cbor.Unmarshal(data, &resp))
	assert.Equal(t, text, resp.Text)

	assert.Equal(t, "hé", decodeText(tokenizer.Bytes{}, []int{104, 0xc3, 0xa9}))
}

func TestParseBytes(t *testing.T) {
	assert.Equal(t, int64(4<<30), parseBytes("4GB"))
	assert.Equal(t, int64(512<<20), parseBytes("512MB"))
	assert.Equal(t, int64(2048), parseBytes("2kb"))
	assert.Equal(t, int64(1024), parseBytes("1024"))
	assert.Equal(t, int64(0), parseBytes("0"))
}

func TestParseTokens(t *testing.T) {
	got, err := parseTokens("1, 2,,3")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)

	_, err = parseTokens("1,x")
	assert.Error(t, err)
}
