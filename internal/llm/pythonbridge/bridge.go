package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/llm"
	"AgentMarket/pkg/logger"
)

// Client 把议价文案的生成交给外部 Python 脚本：请求以 JSON 写入 stdin，
// 脚本向 stdout 输出 {"thought","reply"}。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
	log        *slog.Logger
}

var _ llm.Generator = (*Client)(nil)

type bridgeRequest struct {
	SystemPrompt string        `json:"system_prompt"`
	UserPrompt   string        `json:"user_prompt"`
	Messages     []llm.Message `json:"messages"`
	Timestamp    int64         `json:"timestamp"`
}

type bridgeResponse struct {
	Thought string `json:"thought"`
	Reply   string `json:"reply"`
}

// NewClient 创建 Python Bridge 客户端，pythonExec 为空时使用 python3。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if strings.TrimSpace(scriptPath) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
		log:        logger.Named("pythonbridge"),
	}, nil
}

// Generate 执行一次脚本调用。脚本退出码非零、输出无法解析或 reply 为空都视为失败，
// 由调用方回落到模板文案。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(bridgeRequest{
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Messages:     req.Messages(),
		Timestamp:    time.Now().Unix(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	command.Dir = c.workingDir
	command.Stdin = bytes.NewReader(encoded)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	if err := command.Run(); err != nil {
		c.log.Warn("Python 脚本执行失败",
			slog.String("script", filepath.Base(c.scriptPath)),
			slog.String("stderr", strings.TrimSpace(stderr.String())),
			slog.Any("error", err))
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "执行 Python 脚本失败")
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "解析 Python 输出失败")
	}
	reply := strings.TrimSpace(resp.Reply)
	if reply == "" {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "Python 脚本未返回 reply")
	}
	c.log.Debug("Python 脚本生成完成", slog.Duration("elapsed", time.Since(started)))
	return &llm.Response{Thought: resp.Thought, Reply: reply}, nil
}

// ResolveScriptPath 把相对脚本路径解析到工作目录下。
func ResolveScriptPath(baseDir, script string) string {
	switch {
	case script == "":
		return ""
	case filepath.IsAbs(script), baseDir == "":
		return script
	default:
		return filepath.Join(baseDir, script)
	}
}
