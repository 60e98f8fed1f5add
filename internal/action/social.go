package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "TaskWarden/internal/errors"
)

// PublishSocialPostAction 是社交发布动作的注册名。
const PublishSocialPostAction = "publish_social_post"

// 允许的可见性取值，输入经大写归一化后匹配。
const (
	VisibilityPublic      = "PUBLIC"
	VisibilityConnections = "CONNECTIONS"
)

const (
	defaultSocialBaseURL   = "https://api.linkedin.com"
	defaultSocialTimeout   = 30 * time.Second
	defaultMaxContentUnits = 3000
)

// SocialConfig 描述社交发布出口的连接参数。缺少令牌或作者标识时选择模拟模式。
type SocialConfig struct {
	BaseURL          string `json:"base_url"`
	AccessToken      string `json:"access_token"`
	AuthorURN        string `json:"author_urn"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	MaxContentLength int    `json:"max_content_length"`
}

func (c SocialConfig) live() bool {
	return c.AccessToken != "" && c.AuthorURN != ""
}

// SocialHandler 将帖子提交到 LinkedIn 风格的 ugcPosts 接口。
type SocialHandler struct {
	cfg        SocialConfig
	baseURL    string
	httpClient *http.Client
}

// NewSocialHandler 构造社交发布处理器。
func NewSocialHandler(cfg SocialConfig) *SocialHandler {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultSocialBaseURL
	}
	timeout := defaultSocialTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &SocialHandler{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NormalizeVisibility 归一化可见性取值，空值回落到 PUBLIC。
func NormalizeVisibility(raw string) (string, error) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	switch value {
	case "":
		return VisibilityPublic, nil
	case VisibilityPublic, VisibilityConnections:
		return value, nil
	default:
		return "", xerrors.New(CodeValidation, fmt.Sprintf("不支持的可见性: %q", raw))
	}
}

// SocialPayloadValidator 返回 publish_social_post 的载荷校验函数。
// 内容长度以字符计，上限在任何网络调用之前检查。
func SocialPayloadValidator(maxContentLength int) Validator {
	if maxContentLength <= 0 {
		maxContentLength = defaultMaxContentUnits
	}
	return func(payload map[string]any) error {
		content := stringField(payload, "content")
		if content == "" {
			return xerrors.New(CodeValidation, "publish_social_post 缺少内容 content")
		}
		if length := len([]rune(content)); length > maxContentLength {
			return xerrors.New(CodeValidation,
				fmt.Sprintf("内容超出上限: %d > %d", length, maxContentLength))
		}
		if _, err := NormalizeVisibility(stringField(payload, "visibility")); err != nil {
			return err
		}
		return nil
	}
}

type ugcPostRequest struct {
	Author          string         `json:"author"`
	LifecycleState  string         `json:"lifecycleState"`
	SpecificContent map[string]any `json:"specificContent"`
	Visibility      map[string]any `json:"visibility"`
}

type ugcPostResponse struct {
	ID string `json:"id"`
}

// Execute 实现 Handler。
func (h *SocialHandler) Execute(ctx context.Context, payload map[string]any) (*Result, error) {
	content := stringField(payload, "content")
	visibility, err := NormalizeVisibility(stringField(payload, "visibility"))
	if err != nil {
		return nil, err
	}

	if !h.cfg.live() {
		postID := fmt.Sprintf("urn:li:share:sim-%d", time.Now().UnixNano())
		return &Result{
			Action:    PublishSocialPostAction,
			Reference: postID,
			URL:       postURL(postID),
			Detail:    fmt.Sprintf("simulated %s post, %d chars", visibility, len([]rune(content))),
			Simulated: true,
		}, nil
	}

	body := ugcPostRequest{
		Author:         h.cfg.AuthorURN,
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": content},
				"shareMediaCategory": "NONE",
			},
		},
		Visibility: map[string]any{
			"com.linkedin.ugc.MemberNetworkVisibility": visibility,
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码帖子请求失败")
	}

	endpoint := h.baseURL + "/v2/ugcPosts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, xerrors.Wrap(CodeTransport, err, "构造帖子请求失败")
	}
	req.Header.Set("Authorization", "Bearer "+h.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeTransport, err, "提交帖子失败")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeTransport, err, "读取发布响应失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(CodeTransport,
			fmt.Sprintf("发布接口返回 %d: %s", resp.StatusCode, truncate(string(raw), 256)),
			xerrors.WithMetadata("upstream_status", fmt.Sprintf("%d", resp.StatusCode)))
	}

	postID := resp.Header.Get("X-RestLi-Id")
	if postID == "" {
		var decoded ugcPostResponse
		if err := json.Unmarshal(raw, &decoded); err == nil {
			postID = decoded.ID
		}
	}
	if postID == "" {
		return nil, xerrors.New(CodeTransport, "发布响应缺少帖子标识")
	}

	return &Result{
		Action:    PublishSocialPostAction,
		Reference: postID,
		URL:       postURL(postID),
		Detail:    fmt.Sprintf("published %s post", visibility),
	}, nil
}

func postURL(postID string) string {
	return "https://www.linkedin.com/feed/update/" + postID
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// SocialDefinition 返回 publish_social_post 的注册表条目，强制人工审批。
func SocialDefinition(cfg SocialConfig) *Definition {
	return &Definition{
		Name:                   PublishSocialPostAction,
		AlwaysRequiresApproval: true,
		Validate:               SocialPayloadValidator(cfg.MaxContentLength),
		Handler:                NewSocialHandler(cfg),
	}
}
