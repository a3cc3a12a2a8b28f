package smtp

import (
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpickup/backend/internal/search"
	"mailpickup/backend/internal/storage/memory"
)

func newTestSession(t *testing.T, sink *memory.Store, domains []string) gosmtp.Session {
	t.Helper()
	backend := NewBackend(sink, domains, nil)
	sess, err := backend.NewSession(nil)
	require.NoError(t, err)
	return sess
}

func TestSession_Rcpt(t *testing.T) {
	sink := memory.NewStore()

	t.Run("拒绝非受管域名", func(t *testing.T) {
		sess := newTestSession(t, sink, []string{"test.com"})

		err := sess.Rcpt("<user@evil.com>", nil)

		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 550, smtpErr.Code)
	})

	t.Run("拒绝语法非法的地址", func(t *testing.T) {
		sess := newTestSession(t, sink, []string{"test.com"})

		err := sess.Rcpt("<not-an-address>", nil)

		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 501, smtpErr.Code)
	})

	t.Run("接受受管域名", func(t *testing.T) {
		sess := newTestSession(t, sink, []string{"test.com"})

		assert.NoError(t, sess.Rcpt("<Pickup@Test.com>", nil))
	})
}

func TestSession_Data(t *testing.T) {
	raw := strings.Join([]string{
		"From: sender@x.com",
		"To: pickup@test.com",
		"Subject: =?UTF-8?B?5L2g55qE6aqM6K+B56CB?=",
		"Date: Sun, 23 Aug 2026 12:00:00 +0000",
		"",
		"your code is 123456",
	}, "\r\n")

	t.Run("解析邮件并写入收件存储", func(t *testing.T) {
		sink := memory.NewStore()
		sess := newTestSession(t, sink, []string{"test.com"})

		require.NoError(t, sess.Mail("<Sender@X.com>", nil))
		require.NoError(t, sess.Rcpt("<pickup@test.com>", nil))
		require.NoError(t, sess.Data(strings.NewReader(raw)))

		got := sink.Search("pickup@test.com", search.Query{Since: time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)})
		require.Len(t, got, 1)
		assert.Equal(t, "sender@x.com", got[0].From)
		assert.Equal(t, "你的验证码", got[0].Subject)
		assert.Contains(t, got[0].Body, "123456")
		assert.Equal(t, time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC), got[0].Date)
		assert.NotEmpty(t, got[0].ID)
	})

	t.Run("multipart 邮件取纯文本部分", func(t *testing.T) {
		multi := strings.Join([]string{
			"From: sender@x.com",
			"Subject: order",
			"Content-Type: multipart/alternative; boundary=XYZ",
			"",
			"--XYZ",
			"Content-Type: text/html",
			"",
			"<b>ORDER-42</b>",
			"--XYZ",
			"Content-Type: text/plain",
			"",
			"ORDER-42",
			"--XYZ--",
			"",
		}, "\r\n")

		sink := memory.NewStore()
		sess := newTestSession(t, sink, []string{"test.com"})

		require.NoError(t, sess.Mail("<sender@x.com>", nil))
		require.NoError(t, sess.Rcpt("<pickup@test.com>", nil))
		require.NoError(t, sess.Data(strings.NewReader(multi)))

		got := sink.Search("pickup@test.com", search.Query{Since: time.Time{}})
		require.Len(t, got, 1)
		assert.Equal(t, "ORDER-42", strings.TrimSpace(got[0].Body))
	})
}
