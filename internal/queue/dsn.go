package queue

import (
	"bytes"
	"fmt"
	"net/mail"
	"text/template"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/address"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/spool"
)

// maxOrigMsgLen bounds how much of the original message is quoted back
// in a DSN: the receiver of the DSN might accept a smaller message than
// we did, so the original is truncated rather than attached whole.
const maxOrigMsgLen = 256 * 1024

// SynthesizeDSN builds the RFC 3464 delivery status notification for
// one permanently-failed recipient domain, per spec.md §4.K: "PermFail
// or all servers exhausted: synthesise a DSN (a new spooled message
// with the original sender as recipient)". Adapted from chasquid's
// internal/queue/dsn.go dsnTemplate/deliveryStatusNotification, rekeyed
// from its Recipient/Message protobuf fields onto spool.Context /
// spool.DeliveryContext.
func SynthesizeDSN(ourDomain string, ctx *spool.Context, domain string, delivery *spool.DeliveryContext, id spool.ID, now time.Time) ([]byte, error) {
	if ctx.Envelope.Sender == nil && !ctx.Envelope.NullSender {
		return nil, fmt.Errorf("queue: cannot synthesise a DSN for a message with no sender")
	}
	if ctx.Envelope.NullSender {
		// A bounce of a bounce is dropped, never re-bounced (RFC 3464 §3).
		return nil, errNullSenderBounce
	}

	var failedRecipients []address.Address
	for _, r := range ctx.Envelope.Recipients {
		if r.Domain == domain {
			failedRecipients = append(failedRecipients, r)
		}
	}

	info := dsnInfo{
		OurDomain:         ourDomain,
		Destination:       ctx.Envelope.Sender.String(),
		MessageID:         "empath-dsn-" + id.String() + "@" + ourDomain,
		Date:              now.Format(time.RFC1123Z),
		FailedDomain:      domain,
		FailedRecipients:  failedRecipients,
		LastError:         delivery.LastError,
		Attempts:          delivery.Attempts(),
		Boundary:          id.String() + "-boundary",
		OriginalMessageID: getMessageID(ctx.Data),
	}

	if len(ctx.Data) > maxOrigMsgLen {
		info.OriginalMessage = string(ctx.Data[:maxOrigMsgLen])
	} else {
		info.OriginalMessage = string(ctx.Data)
	}

	buf := &bytes.Buffer{}
	if err := dsnTemplate.Execute(buf, info); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var errNullSenderBounce = fmt.Errorf("queue: refusing to bounce a message with a null sender")

func getMessageID(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}

type dsnInfo struct {
	OurDomain         string
	Destination       string
	MessageID         string
	Date              string
	FailedDomain      string
	FailedRecipients  []address.Address
	LastError         string
	Attempts          int
	OriginalMessage   string
	OriginalMessageID string
	Boundary          string
}

var dsnTemplate = template.Must(
	template.New("dsn").Parse(
		`From: Mail Delivery System <postmaster@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline
Content-Description: Notification
Content-Transfer-Encoding: 8bit

Delivery of your message to the following recipient(s) failed permanently
after {{.Attempts}} attempt(s):

{{range .FailedRecipients}}  - {{.}}
{{end}}
Last error:
    {{.LastError}}


--{{.Boundary}}
Content-Type: message/global-delivery-status
Content-Description: Delivery Report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.OurDomain}}

{{range .FailedRecipients -}}
Final-Recipient: utf-8; {{.}}
Action: failed
Status: 5.0.0
Diagnostic-Code: smtp; {{$.LastError}}
{{end}}

--{{.Boundary}}
Content-Type: message/rfc822
Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.OriginalMessage}}

--{{.Boundary}}--
`))
