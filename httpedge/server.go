package httpedge

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/mjl-mta/relaylib/iprev"
	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/smtp"
)

const (
	headerEhlo = "X-Ehlo"
	headerFrom = "X-Envelope-Sender"
	headerTo   = "X-Envelope-Recipient"
	headerSMTP = "X-Smtp-Reply"
)

var rcptSplit = regexp.MustCompile(`\s*[,;]\s*`)

// ListenAndServe listens on Config.Addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	hs := &http.Server{Addr: s.config.Addr, Handler: s}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(shutdownCtx)
	}()
	err := hs.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.config
	log := cfg.log()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if ctype := r.Header.Get("Content-Type"); ctype != "" && ctype != "message/rfc822" {
		http.Error(w, "unsupported media type, expected message/rfc822", http.StatusUnsupportedMediaType)
		return
	}

	meta := s.buildMeta(ctx, r)
	v := cfg.validator()

	if reply, ok := v.Connect(ctx, meta); !ok {
		writeReply(w, reply, reply.Error())
		return
	}

	sender, err := decodePath(r.Header.Get(headerFrom))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s: %v", headerFrom, err), http.StatusBadRequest)
		return
	}
	if reply, ok := v.Mail(ctx, meta, sender); !ok {
		writeReply(w, reply, reply.Error())
		return
	}

	rcpts, err := decodeRecipients(r.Header.Values(headerTo))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s: %v", headerTo, err), http.StatusBadRequest)
		return
	}
	for _, rcpt := range rcpts {
		if reply, ok := v.Rcpt(ctx, meta, sender, rcpt); !ok {
			writeReply(w, reply, reply.Error())
			return
		}
	}

	if reply, ok := v.Data(ctx, meta, sender, rcpts); !ok {
		writeReply(w, reply, reply.Error())
		return
	}

	body := http.MaxBytesReader(w, r.Body, cfg.maxMessageSize())
	stream, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "message too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	headers, msgBody, err := message.Parse(stream)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed message: %v", err), http.StatusBadRequest)
		return
	}

	env := &message.Envelope{
		Sender:     sender,
		Recipients: rcpts,
		Headers:    headers,
		Body:       msgBody,
		Meta:       meta,
	}
	if reply, ok := v.HaveData(ctx, env); !ok {
		writeReply(w, reply, reply.Error())
		return
	}
	if err := env.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if cfg.Enqueue == nil {
		log.Error("httpedge: no Enqueue configured")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	id, err := cfg.Enqueue(ctx, env)
	reply := v.HandleQueued(ctx, env, id, err)
	writeReply(w, reply, id)
}

func (s *Server) buildMeta(ctx context.Context, r *http.Request) message.SessionMeta {
	cfg := s.config
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	ip := net.ParseIP(host)

	security := message.SecurityNone
	protocol := "HTTP"
	if r.TLS != nil {
		security = message.SecurityTLS
		protocol = "HTTPS"
	}

	var clientHostname string
	if cfg.Resolver != nil && ip != nil {
		status, name, _, err := iprev.Lookup(ctx, cfg.Resolver, ip)
		if err == nil && status == iprev.StatusPass {
			clientHostname = name
		}
	}

	ehlo := r.Header.Get(headerEhlo)
	if ehlo == "" {
		ehlo = fmt.Sprintf("[%s]", host)
	}

	return message.SessionMeta{
		ClientIP:       ip,
		ClientHostname: clientHostname,
		EHLO:           ehlo,
		Security:       security,
		Protocol:       protocol,
		ReceivedAt:     time.Now(),
	}
}

func decodePath(b64 string) (smtp.Path, error) {
	if b64 == "" {
		return smtp.Path{}, nil // empty sender: bounce.
	}
	s, err := decodeB64(b64)
	if err != nil {
		return smtp.Path{}, err
	}
	return smtp.ParsePath(s)
}

func decodeRecipients(values []string) ([]smtp.Path, error) {
	var rcpts []smtp.Path
	for _, v := range values {
		for _, part := range rcptSplit.Split(strings.TrimSpace(v), -1) {
			if part == "" {
				continue
			}
			s, err := decodeB64(part)
			if err != nil {
				return nil, err
			}
			p, err := smtp.ParsePath(s)
			if err != nil {
				return nil, err
			}
			rcpts = append(rcpts, p)
		}
	}
	return rcpts, nil
}

func decodeB64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// writeReply translates an SMTP reply into the HTTP response: success is
// 200 with body as the response content (the queue id on success); a
// permanent (5xx) reply becomes 422 (the request itself was rejected, don't
// retry unchanged); anything else becomes 503 (transient, retry later).
func writeReply(w http.ResponseWriter, r smtp.Reply, body string) {
	if r.Code != 0 {
		w.Header().Set(headerSMTP, fmt.Sprintf("%d; message=%q", r.Code, r.Error()))
	}
	w.WriteHeader(statusForReply(r))
	if body != "" {
		io.WriteString(w, body)
	}
}

func statusForReply(r smtp.Reply) int {
	switch {
	case r.Success():
		return http.StatusOK
	case r.Permanent():
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}
