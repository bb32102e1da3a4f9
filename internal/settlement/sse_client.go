package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/event"
)

// SSEClient 通过远端结算服务的 SSE 接口执行结算。
type SSEClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewSSEClient 创建远端结算客户端，endpoint 形如 http://host/api/settle/stream。
func NewSSEClient(endpoint string, timeout time.Duration) (*SSEClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结算服务地址不能为空")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "结算服务地址无效")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &SSEClient{endpoint: endpoint, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Open 发起 GET 请求并返回 SSE 子流。
func (c *SSEClient) Open(ctx context.Context, req Request) (Stream, error) {
	target, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "结算服务地址无效")
	}
	query := target.Query()
	query.Set("mode", string(req.Mode))
	query.Set("deal", req.Payload)
	target.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "创建结算请求失败")
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "调用结算服务失败")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, fmt.Sprintf("结算接口错误：HTTP %d", resp.StatusCode))
	}
	return &sseStream{ctx: ctx, body: resp.Body, reader: event.NewSSEReader(resp.Body)}, nil
}

type sseStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *event.SSEReader
}

// Next 读取下一条 step、log、done 或 error 帧，无法解析的帧直接跳过。
func (s *sseStream) Next() (Update, error) {
	for {
		frame, err := s.reader.Next()
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return Update{}, ctxErr
			}
			return Update{}, err
		}
		switch frame.Event {
		case string(UpdateStep):
			var step event.TimelineStep
			if json.Unmarshal([]byte(frame.Data), &step) != nil || step.ID == "" {
				continue
			}
			return Update{Kind: UpdateStep, Step: step}, nil
		case string(UpdateLog):
			var log Log
			if json.Unmarshal([]byte(frame.Data), &log) != nil {
				continue
			}
			return Update{Kind: UpdateLog, Log: log}, nil
		case string(UpdateError):
			return Update{Kind: UpdateError, Message: frame.Data}, nil
		case string(UpdateDone):
			return Update{Kind: UpdateDone}, nil
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

var _ Settler = (*SSEClient)(nil)
