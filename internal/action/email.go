package action

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	gomail "github.com/wneessen/go-mail"

	xerrors "TaskWarden/internal/errors"
)

// SendEmailAction 是邮件动作的注册名。
const SendEmailAction = "send_email"

// EmailConfig 描述 SMTP 出口的连接参数。缺少主机或凭证时选择模拟模式。
type EmailConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	From           string `json:"from"`
	SSL            bool   `json:"ssl"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (c EmailConfig) live() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

func (c EmailConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EmailHandler 通过 SMTP 发送邮件，或在无凭证时返回结构相同的模拟结果。
type EmailHandler struct {
	cfg    EmailConfig
	client *gomail.Client
}

// NewEmailHandler 构造邮件处理器。仅在具备完整凭证时建立 SMTP 客户端。
func NewEmailHandler(cfg EmailConfig) (*EmailHandler, error) {
	h := &EmailHandler{cfg: cfg}
	if !cfg.live() {
		return h, nil
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	opts := []gomail.Option{
		gomail.WithPort(port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(cfg.Username),
		gomail.WithPassword(cfg.Password),
		gomail.WithTimeout(cfg.timeout()),
	}
	if cfg.SSL {
		opts = append(opts, gomail.WithSSL())
	}
	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 SMTP 客户端失败")
	}
	h.client = client
	return h, nil
}

// ValidateEmailPayload 校验 send_email 的载荷：to 必须是合法地址，
// subject 与 body 不能为空。
func ValidateEmailPayload(payload map[string]any) error {
	to := stringField(payload, "to")
	if to == "" {
		return xerrors.New(CodeValidation, "send_email 缺少收件人 to")
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return xerrors.Wrap(CodeValidation, err, fmt.Sprintf("收件人地址不合法: %q", to))
	}
	if from := stringField(payload, "from"); from != "" {
		if _, err := mail.ParseAddress(from); err != nil {
			return xerrors.Wrap(CodeValidation, err, fmt.Sprintf("发件人地址不合法: %q", from))
		}
	}
	if stringField(payload, "subject") == "" {
		return xerrors.New(CodeValidation, "send_email 缺少主题 subject")
	}
	if stringField(payload, "body") == "" {
		return xerrors.New(CodeValidation, "send_email 缺少正文 body")
	}
	return nil
}

// Execute 实现 Handler。
func (h *EmailHandler) Execute(ctx context.Context, payload map[string]any) (*Result, error) {
	to := stringField(payload, "to")
	subject := stringField(payload, "subject")
	body := stringField(payload, "body")
	from := stringField(payload, "from")
	if from == "" {
		from = h.cfg.From
	}

	reference := "msg-" + uuid.NewString()

	if h.client == nil {
		return &Result{
			Action:    SendEmailAction,
			Reference: reference,
			Detail:    fmt.Sprintf("simulated delivery to %s", to),
			Simulated: true,
		}, nil
	}

	msg := gomail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "设置发件人失败")
	}
	if err := msg.To(to); err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "设置收件人失败")
	}
	msg.Subject(subject)
	if boolField(payload, "html") {
		msg.SetBodyString(gomail.TypeTextHTML, body)
	} else {
		msg.SetBodyString(gomail.TypeTextPlain, body)
	}

	if err := h.client.DialAndSendWithContext(ctx, msg); err != nil {
		return nil, xerrors.Wrap(CodeTransport, err, fmt.Sprintf("SMTP 发送到 %s 失败", to))
	}

	return &Result{
		Action:    SendEmailAction,
		Reference: reference,
		Detail:    fmt.Sprintf("delivered to %s", to),
	}, nil
}

// EmailDefinition 返回 send_email 的注册表条目。邮件属于对外不可逆动作，
// 强制人工审批。
func EmailDefinition(cfg EmailConfig) (*Definition, error) {
	handler, err := NewEmailHandler(cfg)
	if err != nil {
		return nil, err
	}
	return &Definition{
		Name:                   SendEmailAction,
		AlwaysRequiresApproval: true,
		Validate:               ValidateEmailPayload,
		Handler:                handler,
	}, nil
}
