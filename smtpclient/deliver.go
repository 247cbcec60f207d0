package smtpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mjl-mta/relaylib/smtp"
)

var (
	errNoRecipientsPipelined = errors.New("no recipients accepted in pipelined transaction")
	errNoRecipients          = errors.New("no recipients accepted in transaction")
)

// Deliver attempts to deliver a message to a single recipient. See
// DeliverMultiple for the general case and the meaning of the flags.
func (c *Client) Deliver(ctx context.Context, mailFrom, rcptTo string, msgSize int64, msg io.Reader, req8bitmime, reqSMTPUTF8 bool) error {
	_, err := c.DeliverMultiple(ctx, mailFrom, []string{rcptTo}, msgSize, msg, req8bitmime, reqSMTPUTF8)
	return err
}

// DeliverMultiple delivers a message to multiple recipients in one
// transaction, pipelining MAIL+RCPTs+DATA when the remote supports it
// (mirroring the teacher's DeliverMultiple structure: write everything, then
// read replies in issue order).
//
// mailFrom may be empty for a DSN's null reverse-path. If rcptTo has a single
// recipient, a RCPT TO failure is returned directly as rerr; otherwise each
// recipient's response is in rcptResps and rerr is only set for
// transaction-wide failures (i/o, MAIL FROM, DATA).
func (c *Client) DeliverMultiple(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader, req8bitmime, reqSMTPUTF8 bool) (rcptResps []Response, rerr error) {
	if len(rcptTo) == 0 {
		return nil, fmt.Errorf("need at least one recipient")
	}
	if c.origConn == nil {
		return nil, ErrClosed
	}
	if c.botched {
		return nil, ErrBotched
	}
	if c.needRset {
		if err := c.Reset(ctx); err != nil {
			return nil, err
		}
	}

	if !c.ext8bitmime && req8bitmime {
		return nil, c.errf(true, "mailfrom", 0, "", "", nil, "%w", Err8bitmimeUnsupported)
	}
	if !c.extSMTPUTF8 && reqSMTPUTF8 {
		return nil, c.errf(false, "mailfrom", 0, "", "", nil, "%w", ErrSMTPUTF8Unsupported)
	}
	if c.extSize && c.maxSize > 0 && msgSize > c.maxSize {
		return nil, c.errf(true, "mailfrom", 0, "", "", nil, "%w: message is %d bytes, remote maximum is %d", ErrSize, msgSize, c.maxSize)
	}

	var mailSize, bodyType, smtputf8Arg string
	if c.extSize {
		mailSize = fmt.Sprintf(" SIZE=%d", msgSize)
	}
	if c.ext8bitmime {
		if req8bitmime {
			bodyType = " BODY=8BITMIME"
		} else {
			bodyType = " BODY=7BIT"
		}
	}
	if reqSMTPUTF8 {
		smtputf8Arg = " SMTPUTF8"
	}
	lineMailFrom := fmt.Sprintf("MAIL FROM:<%s>%s%s%s", mailFrom, mailSize, bodyType, smtputf8Arg)

	c.needRset = true

	var mfcode int
	var mfsecode, mffirstLine string
	var mfmoreLines []string
	var dataCode int
	var dataSecode, dataFirstLine string
	var dataMoreLines []string

	if c.extPipelining {
		var b bytes.Buffer
		b.WriteString(lineMailFrom)
		b.WriteString("\r\n")
		for _, rcpt := range rcptTo {
			fmt.Fprintf(&b, "RCPT TO:<%s>\r\n", rcpt)
		}
		b.WriteString("DATA\r\n")
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.command())); err != nil {
			c.log.Infox("setting write deadline", err)
		}
		if _, err := c.w.Write(b.Bytes()); err != nil {
			return nil, c.botchf("pipeline", "writing pipelined mail/rcpt/data: %w", err)
		}
		if err := c.w.Flush(); err != nil {
			return nil, c.botchf("pipeline", "flushing pipelined mail/rcpt/data: %w", err)
		}

		var err error
		mfcode, mfsecode, _, mffirstLine, mfmoreLines, _, err = c.readReply("mailfrom")
		if err != nil {
			return nil, err
		}

		rcptResps = make([]Response, len(rcptTo))
		nok := 0
		for i := range rcptTo {
			code, secode, _, firstLine, moreLines, _, rerr := c.readReply("rcptto")
			var respErr error
			if rerr != nil {
				respErr = rerr
			} else if code != smtp.C250Completed {
				respErr = fmt.Errorf("%w: got %d, expected 2xx", ErrStatus, code)
			}
			rcptResps[i] = Response{Permanent: code/100 == 5, Code: code, Secode: secode, Command: "rcptto", Line: firstLine, MoreLines: moreLines, Err: respErr}
			if code == smtp.C250Completed {
				nok++
			}
		}

		dataCode, dataSecode, _, dataFirstLine, dataMoreLines, _, err = c.readReply("data")
		if err != nil {
			return rcptResps, err
		}

		if mfcode != smtp.C250Completed {
			return rcptResps, c.errf(mfcode/100 == 5, "mailfrom", mfcode, mfsecode, mffirstLine, mfmoreLines, "%w: got %d, expected 2xx", ErrStatus, mfcode)
		}

		if nok == 0 {
			if dataCode == smtp.C354Continue {
				c.abortData()
			}
			if len(rcptTo) == 1 {
				r := rcptResps[0]
				return rcptResps, Error(r)
			}
			return rcptResps, c.errf(false, "rcptto", 0, "", "", nil, "%w", errNoRecipientsPipelined)
		}

		if dataCode != smtp.C354Continue {
			return rcptResps, c.errf(dataCode/100 == 5, "data", dataCode, dataSecode, dataFirstLine, dataMoreLines, "%w: got %d, expected 354", ErrStatus, dataCode)
		}
	} else {
		if err := c.writeline(lineMailFrom); err != nil {
			return nil, err
		}
		code, secode, _, firstLine, moreLines, _, err := c.readReply("mailfrom")
		if err != nil {
			return nil, err
		}
		if code != smtp.C250Completed {
			return nil, c.errf(code/100 == 5, "mailfrom", code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
		}

		rcptResps = make([]Response, len(rcptTo))
		nok := 0
		for i, rcpt := range rcptTo {
			if err := c.writeline(fmt.Sprintf("RCPT TO:<%s>", rcpt)); err != nil {
				return rcptResps, err
			}
			code, secode, _, firstLine, moreLines, _, err := c.readReply("rcptto")
			if err != nil {
				return rcptResps, err
			}
			var respErr error
			if code == smtp.C250Completed {
				nok++
			} else {
				respErr = fmt.Errorf("%w: got %d, expected 2xx", ErrStatus, code)
			}
			rcptResps[i] = Response{Permanent: code/100 == 5, Code: code, Secode: secode, Command: "rcptto", Line: firstLine, MoreLines: moreLines, Err: respErr}
		}

		if nok == 0 {
			if len(rcptTo) == 1 {
				r := rcptResps[0]
				return rcptResps, Error(r)
			}
			return rcptResps, c.errf(false, "rcptto", 0, "", "", nil, "%w", errNoRecipients)
		}

		if err := c.writeline("DATA"); err != nil {
			return rcptResps, err
		}
		dataCode, dataSecode, _, dataFirstLine, dataMoreLines, _, err = c.readReply("data")
		if err != nil {
			return rcptResps, err
		}
		if dataCode != smtp.C354Continue {
			return rcptResps, c.errf(dataCode/100 == 5, "data", dataCode, dataSecode, dataFirstLine, dataMoreLines, "%w: got %d, expected 354", ErrStatus, dataCode)
		}
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.data())); err != nil {
		c.log.Infox("setting write deadline", err)
	}
	if err := smtp.DataWrite(c.w, msg); err != nil {
		return rcptResps, c.botchf("data", "writing message as smtp data: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return rcptResps, c.botchf("data", "flushing message data: %w", err)
	}
	code, secode, _, firstLine, moreLines, _, err := c.readReply("data")
	if err != nil {
		return rcptResps, err
	}
	if code != smtp.C250Completed {
		return rcptResps, c.errf(code/100 == 5, "data", code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}

	c.needRset = false
	return rcptResps, nil
}

// abortData writes the end-of-data terminator and drains the response, used
// when no recipient was accepted but the remote still issued a 354.
func (c *Client) abortData() {
	if _, err := fmt.Fprintf(c.w, ".\r\n"); err != nil {
		c.botched = true
		return
	}
	if err := c.w.Flush(); err != nil {
		c.botched = true
		return
	}
	if _, _, _, _, _, _, err := c.readReply("data"); err != nil {
		c.botched = true
	}
}

// Reset sends RSET to clear transaction state. Deliver/DeliverMultiple call
// this automatically when needed.
func (c *Client) Reset(ctx context.Context) error {
	if c.origConn == nil {
		return ErrClosed
	}
	if c.botched {
		return ErrBotched
	}
	if err := c.writeline("RSET"); err != nil {
		return err
	}
	code, secode, _, firstLine, moreLines, _, err := c.readReply("rset")
	if err != nil {
		return err
	}
	if code != smtp.C250Completed {
		return c.errf(code/100 == 5, "rset", code, secode, firstLine, moreLines, "%w: got %d, expected 2xx", ErrStatus, code)
	}
	c.needRset = false
	return nil
}

// Close sends QUIT (if the connection isn't botched) and closes the
// underlying connection.
func (c *Client) Close() error {
	if c.origConn == nil {
		return ErrClosed
	}
	if c.overallCancel != nil {
		defer c.overallCancel()
	}
	var rerr error
	if !c.botched {
		if err := c.writeline("QUIT"); err == nil {
			c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, _, _, _, _, err := c.readReply("quit"); err != nil {
				rerr = err
			}
		}
	}
	err := c.origConn.Close()
	if c.conn != c.origConn {
		c.conn.Close()
	}
	c.origConn = nil
	c.conn = nil
	if rerr == nil {
		rerr = err
	}
	return rerr
}

// Conn returns the underlying connection (possibly TLS-wrapped), clearing
// any i/o deadlines. Once called, the caller owns the connection and must
// not call other Client methods.
func (c *Client) Conn() (net.Conn, error) {
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing io deadlines: %w", err)
	}
	return c.conn, nil
}
