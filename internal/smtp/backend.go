package smtp

import (
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailpickup/backend/internal/domain"
	"mailpickup/backend/internal/storage/memory"
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是开发模式的本地收件端：只接收发往受管域名的邮件并写入
// 进程内收件存储，供本地搜索适配器查询。不支持对外发送，
// 不做邮件中继，外部域名一律返回 550 拒绝。
type Backend struct {
	sink           *memory.Store
	allowedDomains []string
	log            *zap.Logger
}

// NewBackend 创建 SMTP Backend。
//
// allowedDomains 为空时接收任意域名（仅建议在本地调试时使用）。
func NewBackend(sink *memory.Store, allowedDomains []string, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		sink:           sink,
		allowedDomains: allowedDomains,
		log:            log,
	}
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	recipients  []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令，只接受受管域名下的收件人。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)

	if err := domain.ValidateAddress(addr); err != nil {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}

	_, recipientDomain := domain.SplitAddress(addr)
	if !s.backend.domainAllowed(recipientDomain) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied - domain not managed by this server",
		}
	}

	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 处理邮件内容，解析后写入收件存储。
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(r, 10<<20)) // 10MB
	if err != nil {
		return err
	}

	subject, body, date := parseEmail(raw)

	for _, rcpt := range s.recipients {
		msg := domain.Message{
			ID:      uuid.NewString(),
			From:    s.fromAddress,
			To:      rcpt,
			Subject: subject,
			Body:    body,
			Date:    date,
		}
		s.backend.sink.Deliver(rcpt, msg)

		s.backend.log.Info("message delivered to local sink",
			zap.String("to", rcpt),
			zap.String("from", s.fromAddress),
			zap.String("subject", subject))
	}

	return nil
}

// AuthPlain 处理 PLAIN 认证（此处允许匿名）。
func (s *session) AuthPlain(username, password string) error {
	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	return nil
}

func (b *Backend) domainAllowed(recipientDomain string) bool {
	if len(b.allowedDomains) == 0 {
		return true
	}
	for _, d := range b.allowedDomains {
		if strings.EqualFold(d, recipientDomain) {
			return true
		}
	}
	return false
}

// parseEmail 提取主题、正文与日期。解析失败时退回原始内容，
// 收件永远不会因为格式问题被拒绝。
func parseEmail(raw []byte) (subject, body string, date time.Time) {
	date = time.Now().UTC()
	body = string(raw)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return "", body, date
	}

	subject = decodeHeader(msg.Header.Get("Subject"))
	if d, err := msg.Header.Date(); err == nil {
		date = d.UTC()
	}

	content, err := io.ReadAll(msg.Body)
	if err != nil {
		return subject, "", date
	}
	body = string(content)

	// multipart 邮件取第一个 text/plain 部分
	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		return subject, body, date
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return subject, body, date
	}

	reader := multipart.NewReader(strings.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		partType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err == nil && partType == "text/plain" {
			if text, err := io.ReadAll(part); err == nil {
				return subject, string(text), date
			}
		}
	}
	return subject, body, date
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
