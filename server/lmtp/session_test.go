package lmtp

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/filter"
	"github.com/migadu/eaf/mailmsg"
	"github.com/migadu/eaf/server/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var plainMessage = crlf(`From: alice@example.com
To: bob@example.com
Subject: lunch

See you at noon.
`)

var exeMessage = crlf(`From: alice@example.com
To: bob@example.com
Subject: invoice
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b1"

--b1
Content-Type: text/plain

Please run the attached tool.
--b1
Content-Type: application/octet-stream; name="tool.exe"
Content-Disposition: attachment; filename="tool.exe"
Content-Transfer-Encoding: base64

TVqQAAMAAAAEAAAA
--b1--
`)

type sent struct {
	env  delivery.Envelope
	data string
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *fakeRelay) Send(_ context.Context, env delivery.Envelope, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, sent{env: env, data: string(data)})
	return nil
}

func (r *fakeRelay) messages() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

type fakeSpool struct {
	mu       sync.Mutex
	queued   []string
	notified int
	err      error
}

func (q *fakeSpool) Enqueue(from string, to []string, data []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.queued = append(q.queued, string(data))
	return "q-1", nil
}

func (q *fakeSpool) NotifyQueued() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notified++
}

type fakeQuarantine struct {
	mu          sync.Mutex
	attachments [][]byte
	messages    [][]byte
}

func (f *fakeQuarantine) StoresAttachments() bool { return true }
func (f *fakeQuarantine) StoresMessages() bool    { return true }

func (f *fakeQuarantine) StoreAttachment(_ context.Context, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments = append(f.attachments, content)
	return "attachments/x", nil
}

func (f *fakeQuarantine) StoreMessage(_ context.Context, raw []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, raw)
	return "messages/x", nil
}

type testServer struct {
	backend *LMTPServerBackend
	addr    string
	relay   *fakeRelay
}

func startServer(t *testing.T, lmtpCfg config.LMTPServerConfig, filterCfg config.FilterConfig, opts LMTPServerOptions) *testServer {
	t.Helper()

	pol, err := filter.NewPolicy(filterCfg)
	require.NoError(t, err)
	opts.Processor = filter.NewProcessor(filter.NewPolicyStore(pol), nil)

	relay, _ := opts.Relay.(*fakeRelay)
	if opts.Relay == nil {
		relay = &fakeRelay{}
		opts.Relay = relay
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	lmtpCfg.Start = true
	lmtpCfg.Addr = ln.Addr().String()

	backend, err := New(context.Background(), lmtpCfg, opts)
	require.NoError(t, err)
	go func() { _ = backend.Serve(ln) }()
	t.Cleanup(func() { _ = backend.Close() })

	return &testServer{backend: backend, addr: ln.Addr().String(), relay: relay}
}

func defaultFilter() config.FilterConfig {
	cfg := config.NewDefaultConfig().Filter
	cfg.Rules.Remove = []string{"*.exe"}
	return cfg
}

// deliver sends one message over LMTP and returns the first per-recipient
// failure, if any.
func deliver(t *testing.T, addr, from string, to []string, body string) error {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	c := smtp.NewClientLMTP(conn)
	defer c.Close()

	if err := c.Hello("mta.example.com"); err != nil {
		return err
	}
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	// Failing recipient statuses come back as an LMTPDataError.
	_, err = w.CloseWithLMTPResponse()
	_ = c.Quit()
	return err
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTP error, got %v", err)
	return smtpErr.Code
}

func TestCleanMessageIsReinjected(t *testing.T) {
	srv := startServer(t, config.LMTPServerConfig{}, defaultFilter(), LMTPServerOptions{})

	require.NoError(t, deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com", "carol@example.com"}, plainMessage))

	msgs := srv.relay.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice@example.com", msgs[0].env.From)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msgs[0].env.To)
	assert.Equal(t, delivery.SourceDirect, msgs[0].env.Source)
	assert.Contains(t, msgs[0].data, "See you at noon.")
}

func TestNullSenderIsPreserved(t *testing.T) {
	srv := startServer(t, config.LMTPServerConfig{}, defaultFilter(), LMTPServerOptions{})

	require.NoError(t, deliver(t, srv.addr, "", []string{"bob@example.com"}, plainMessage))

	msgs := srv.relay.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "<>", msgs[0].env.From)
}

func TestRemovedAttachmentIsReplacedAndQuarantined(t *testing.T) {
	q := &fakeQuarantine{}
	srv := startServer(t, config.LMTPServerConfig{}, defaultFilter(), LMTPServerOptions{Quarantine: q})

	require.NoError(t, deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, exeMessage))

	msgs := srv.relay.messages()
	require.Len(t, msgs, 1)

	out := mailmsg.Parse([]byte(msgs[0].data), mailmsg.Envelope{})
	var names []string
	for _, a := range out.Descriptor().Attachments {
		names = append(names, a.FileName)
	}
	assert.NotContains(t, names, "tool.exe")
	assert.Contains(t, names, config.DefaultRemovedAttachmentPrefix+"tool.exe.txt")

	_ = srv.backend.Close()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.attachments, 1)
	assert.Equal(t, "MZ", string(q.attachments[0][:2]))
	assert.Empty(t, q.messages)
}

func TestRejectedMessageIsAcceptedAndDropped(t *testing.T) {
	cfg := defaultFilter()
	cfg.Rules.Remove = nil
	cfg.Rules.Reject = []string{"*.exe"}
	q := &fakeQuarantine{}
	srv := startServer(t, config.LMTPServerConfig{}, cfg, LMTPServerOptions{Quarantine: q})

	require.NoError(t, deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, exeMessage))
	assert.Empty(t, srv.relay.messages())

	_ = srv.backend.Close()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.messages, 1)
	assert.Contains(t, string(q.messages[0]), "tool.exe")
}

func TestMailboxNetworkBypassesFilter(t *testing.T) {
	cfg := defaultFilter()
	cfg.MailboxMethodSafe = true
	srv := startServer(t, config.LMTPServerConfig{MailboxNetworks: []string{"127.0.0.0/8"}}, cfg, LMTPServerOptions{})

	require.NoError(t, deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, exeMessage))

	msgs := srv.relay.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].data, `filename="tool.exe"`)
}

func TestUntrustedClientIsRefused(t *testing.T) {
	srv := startServer(t, config.LMTPServerConfig{TrustedNetworks: []string{"192.0.2.0/24"}}, defaultFilter(), LMTPServerOptions{})

	err := deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, plainMessage)
	require.Error(t, err)
	assert.Empty(t, srv.relay.messages())
}

func TestOversizedMessageIsRefused(t *testing.T) {
	srv := startServer(t, config.LMTPServerConfig{MaxMessageSize: "1kb"}, defaultFilter(), LMTPServerOptions{})

	body := plainMessage + strings.Repeat("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxx\r\n", 64)
	err := deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, body)
	assert.Equal(t, 552, smtpCode(t, err))
	assert.Empty(t, srv.relay.messages())
}

func TestOverlongLineIsRefusedPermanently(t *testing.T) {
	srv := startServer(t, config.LMTPServerConfig{}, defaultFilter(), LMTPServerOptions{})

	body := plainMessage + strings.Repeat("x", 4096) + "\r\n"
	err := deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, body)
	assert.Equal(t, 554, smtpCode(t, err))
	assert.Empty(t, srv.relay.messages())
}

func TestTemporaryRelayFailureIsQueued(t *testing.T) {
	spool := &fakeSpool{}
	relay := &fakeRelay{err: &delivery.RelayError{Err: errors.New("connection refused")}}
	srv := startServer(t, config.LMTPServerConfig{}, defaultFilter(), LMTPServerOptions{
		Relay:       relay,
		RelayQueue:  spool,
		RelayWorker: spool,
	})

	require.NoError(t, deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, plainMessage))

	spool.mu.Lock()
	defer spool.mu.Unlock()
	require.Len(t, spool.queued, 1)
	assert.Contains(t, spool.queued[0], "See you at noon.")
	assert.Equal(t, 1, spool.notified)
}

func TestTemporaryRelayFailureWithoutQueue(t *testing.T) {
	relay := &fakeRelay{err: &delivery.RelayError{Err: errors.New("connection refused")}}
	srv := startServer(t, config.LMTPServerConfig{}, defaultFilter(), LMTPServerOptions{Relay: relay})

	err := deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, plainMessage)
	assert.Equal(t, 451, smtpCode(t, err))
}

func TestQueueFailureIsTemporary(t *testing.T) {
	spool := &fakeSpool{err: errors.New("disk full")}
	relay := &fakeRelay{err: &delivery.RelayError{Err: errors.New("connection refused")}}
	srv := startServer(t, config.LMTPServerConfig{}, defaultFilter(), LMTPServerOptions{Relay: relay, RelayQueue: spool})

	err := deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, plainMessage)
	assert.Equal(t, 451, smtpCode(t, err))
}

func TestPermanentRelayFailureIsPassedBack(t *testing.T) {
	spool := &fakeSpool{}
	relay := &fakeRelay{err: &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}}
	srv := startServer(t, config.LMTPServerConfig{}, defaultFilter(), LMTPServerOptions{Relay: relay, RelayQueue: spool})

	err := deliver(t, srv.addr, "alice@example.com", []string{"bob@example.com"}, plainMessage)
	assert.Equal(t, 550, smtpCode(t, err))
	assert.Empty(t, spool.queued)
}

func TestNewRequiresRelay(t *testing.T) {
	pol, err := filter.NewPolicy(defaultFilter())
	require.NoError(t, err)
	_, err = New(context.Background(), config.LMTPServerConfig{}, LMTPServerOptions{
		Processor: filter.NewProcessor(filter.NewPolicyStore(pol), nil),
	})
	assert.Error(t, err)
}

func TestMethodForMailboxNetworks(t *testing.T) {
	_, mailbox, _ := net.ParseCIDR("10.1.0.0/16")
	b := &LMTPServerBackend{deliveryMethod: filter.DeliverySMTP, mailboxNetworks: []*net.IPNet{mailbox}}

	assert.Equal(t, filter.DeliveryMailbox, b.methodFor(net.ParseIP("10.1.2.3")))
	assert.Equal(t, filter.DeliverySMTP, b.methodFor(net.ParseIP("10.2.0.1")))
	assert.Equal(t, filter.DeliverySMTP, b.methodFor(nil))
	assert.True(t, b.isFromTrustedNetwork(net.ParseIP("203.0.113.9")))
}
