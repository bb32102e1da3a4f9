package ethereum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var deployed = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func newRPCServer(t *testing.T) *httptest.Server {
	t.Helper()
	answer := func(req rpcRequest) rpcResponse {
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "eth_chainId":
			resp.Result = "0x1b59"
		case "eth_blockNumber":
			resp.Result = "0x10"
		case "eth_call":
			resp.Result = fmt.Sprintf("0x%064x", 85_000_000)
		case "eth_getCode":
			var addr string
			_ = json.Unmarshal(req.Params[0], &addr)
			if common.HexToAddress(addr) == deployed {
				resp.Result = "0x6001"
			} else {
				resp.Result = "0x"
			}
		default:
			resp.Error = &rpcError{Code: -32601, Message: "method not found"}
		}
		return resp
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
			var reqs []rpcRequest
			if err := json.Unmarshal(body, &reqs); err != nil {
				t.Errorf("decode batch: %v", err)
				return
			}
			out := make([]rpcResponse, 0, len(reqs))
			for _, req := range reqs {
				out = append(out, answer(req))
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		_ = json.NewEncoder(w).Encode(answer(req))
	}))
}

func TestClientReadsChain(t *testing.T) {
	server := newRPCServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Config{Name: "zeta", RPCURL: server.URL, Notes: "testnet"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x1b59" || snapshot.BlockNumber != "0x10" || snapshot.Name != "zeta" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	balance, err := client.TokenBalance(ctx, common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 85_000_000 {
		t.Fatalf("unexpected balance %s", balance)
	}

	has, err := client.HasCode(ctx, deployed)
	if err != nil || !has {
		t.Fatalf("expected code at deployed address: %v %v", has, err)
	}
	has, err = client.HasCode(ctx, common.HexToAddress("0x03"))
	if err != nil || has {
		t.Fatalf("expected no code: %v %v", has, err)
	}
}

func TestClientErrors(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("empty rpc url should fail")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client, err := NewClient(context.Background(), Config{RPCURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.FetchChainSnapshot(context.Background()); err == nil {
		t.Fatalf("expected snapshot failure")
	}
	client.Close()
	if _, err := client.HasCode(context.Background(), deployed); err == nil || !strings.Contains(err.Error(), "已关闭") {
		t.Fatalf("closed client should fail, got %v", err)
	}
}
