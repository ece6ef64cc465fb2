package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/moonguard/moonguard/pkg/core"
)

var rpcTimeHistogramVec = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ledger_rpc_time",
		Help:    "Ledger RPC call duration distribution in seconds",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 1, 5, 10},
	},
	[]string{"method"},
)

// RPCClient talks JSON-RPC to a ledger node.
type RPCClient struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	requestID  atomic.Uint64

	confirmAttempts uint
	confirmDelay    time.Duration
}

var _ Client = (*RPCClient)(nil)

type Option func(*RPCClient)

func WithHTTPClient(c *http.Client) Option {
	return func(r *RPCClient) { r.httpClient = c }
}

// WithConfirmPolicy bounds confirmation polling.
func WithConfirmPolicy(attempts uint, delay time.Duration) Option {
	return func(r *RPCClient) {
		r.confirmAttempts = attempts
		r.confirmDelay = delay
	}
}

func NewRPCClient(endpoint string, logger *zap.Logger, opts ...Option) *RPCClient {
	c := &RPCClient{
		endpoint:        endpoint,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		logger:          logger,
		confirmAttempts: 30,
		confirmDelay:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, result any) error {
	defer func(start time.Time) {
		rpcTimeHistogramVec.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}(time.Now())

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.requestID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCClient) Submit(ctx context.Context, tx []byte) (string, error) {
	var signature string
	err := c.call(ctx, "sendTransaction",
		[]any{base64.StdEncoding.EncodeToString(tx), map[string]any{"encoding": "base64"}},
		&signature)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrSubmissionFailed, err)
	}
	c.logger.Debug("transaction submitted", zap.String("signature", signature))
	return signature, nil
}

func (c *RPCClient) Confirm(ctx context.Context, signature string, commitment Commitment) error {
	var landedErr error
	err := retry.Do(func() error {
		var result struct {
			Value []*struct {
				ConfirmationStatus Commitment      `json:"confirmationStatus"`
				Err                json.RawMessage `json:"err"`
			} `json:"value"`
		}
		err := c.call(ctx, "getSignatureStatuses", []any{[]string{signature}}, &result)
		if err != nil {
			return err
		}
		if len(result.Value) == 0 || result.Value[0] == nil {
			return fmt.Errorf("signature %s not yet observed", signature)
		}
		status := result.Value[0]
		if len(status.Err) > 0 && string(status.Err) != "null" {
			landedErr = fmt.Errorf("transaction failed on chain: %s", status.Err)
			return nil
		}
		if !commitment.reached(status.ConfirmationStatus) {
			return fmt.Errorf("signature %s at %s, want %s", signature, status.ConfirmationStatus, commitment)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.confirmAttempts),
		retry.Delay(c.confirmDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if landedErr != nil {
		return landedErr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", core.ErrConfirmationTimeout, err)
	}
	return nil
}

func (c *RPCClient) GetAccountInfo(ctx context.Context, address core.Address) ([]byte, error) {
	var result struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	}
	err := c.call(ctx, "getAccountInfo",
		[]any{address.String(), map[string]any{"encoding": "base64"}},
		&result)
	if err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	if len(result.Value.Data) == 0 {
		return []byte{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return raw, nil
}

func (c *RPCClient) GetBalance(ctx context.Context, address core.Address) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{address.String()}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{}, &result); err != nil {
		return [32]byte{}, err
	}
	raw, err := base58.Decode(result.Value.Blockhash)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("invalid blockhash %q", result.Value.Blockhash)
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}
