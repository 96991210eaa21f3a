package spool

import (
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/address"
	"github.com/Pyxxilated-Studios/empath-sub001/internal/wire"
)

// encode renders ctx using internal/wire's deterministic binary codec,
// spec.md §4.F/§6's "length-prefixed bincode-like encoding of metadata
// followed by the raw bytes".
func encode(ctx *Context) []byte {
	e := wire.NewEncoder()

	if ctx.Envelope.NullSender {
		e.PutUint8(1)
	} else if ctx.Envelope.Sender != nil {
		e.PutUint8(2)
		e.PutString(ctx.Envelope.Sender.String())
	} else {
		e.PutUint8(0)
	}

	e.PutUint32(uint32(len(ctx.Envelope.Recipients)))
	for _, r := range ctx.Envelope.Recipients {
		e.PutString(r.String())
	}

	putParamMap(e, ctx.Envelope.MailParams)
	putParamMap(e, ctx.Envelope.RcptParams)

	e.PutString(ctx.HeloID)
	e.PutBool(ctx.Extended)
	e.PutInt64(ctx.ReceivedAt.UnixNano())

	e.PutUint32(uint32(len(ctx.Metadata)))
	for k, v := range ctx.Metadata {
		e.PutString(k)
		e.PutString(v)
	}

	e.PutUint32(uint32(len(ctx.Deliveries)))
	for domain, d := range ctx.Deliveries {
		e.PutString(domain)
		e.PutUint8(uint8(d.Status))
		e.PutUint32(uint32(d.ServerIndex))
		e.PutInt64(d.QueuedAt.UnixNano())
		// A zero NextRetryAt is written as 0: UnixNano of the zero time
		// overflows int64 and would not decode back to the zero time.
		nextRetryNs := int64(0)
		if !d.NextRetryAt.IsZero() {
			nextRetryNs = d.NextRetryAt.UnixNano()
		}
		e.PutInt64(nextRetryNs)
		e.PutString(d.LastError)

		e.PutUint32(uint32(len(d.AttemptHistory)))
		for _, a := range d.AttemptHistory {
			e.PutInt64(a.Timestamp.UnixNano())
			e.PutString(a.Server)
			e.PutUint8(uint8(a.Outcome))
			e.PutString(a.Detail)
			e.PutInt64(int64(a.Duration))
		}
	}

	e.PutBytes(ctx.Data)

	return e.Bytes()
}

func putParamMap(e *wire.Encoder, m map[string]*string) {
	e.PutUint32(uint32(len(m)))
	for k, v := range m {
		e.PutString(k)
		e.PutOptionalString(v)
	}
}

func decode(data []byte) (*Context, error) {
	d := wire.NewDecoder(data)
	ctx := &Context{}

	senderTag, err := d.Uint8()
	if err != nil {
		return nil, err
	}
	switch senderTag {
	case 1:
		ctx.Envelope.NullSender = true
	case 2:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		a, err := address.Parse(s)
		if err != nil {
			return nil, err
		}
		ctx.Envelope.Sender = &a
	}

	nrecip, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < nrecip; i++ {
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		a, err := address.Parse(s)
		if err != nil {
			return nil, err
		}
		ctx.Envelope.Recipients = append(ctx.Envelope.Recipients, a)
	}

	if ctx.Envelope.MailParams, err = getParamMap(d); err != nil {
		return nil, err
	}
	if ctx.Envelope.RcptParams, err = getParamMap(d); err != nil {
		return nil, err
	}

	if ctx.HeloID, err = d.String(); err != nil {
		return nil, err
	}
	if ctx.Extended, err = d.Bool(); err != nil {
		return nil, err
	}
	receivedNs, err := d.Int64()
	if err != nil {
		return nil, err
	}
	ctx.ReceivedAt = time.Unix(0, receivedNs).UTC()

	nmeta, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if nmeta > 0 {
		ctx.Metadata = make(map[string]string, nmeta)
	}
	for i := uint32(0); i < nmeta; i++ {
		k, err := d.String()
		if err != nil {
			return nil, err
		}
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		ctx.Metadata[k] = v
	}

	ndeliv, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if ndeliv > 0 {
		ctx.Deliveries = make(map[string]*DeliveryContext, ndeliv)
	}
	for i := uint32(0); i < ndeliv; i++ {
		domain, err := d.String()
		if err != nil {
			return nil, err
		}
		statusByte, err := d.Uint8()
		if err != nil {
			return nil, err
		}
		serverIndex, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		queuedNs, err := d.Int64()
		if err != nil {
			return nil, err
		}
		nextRetryNs, err := d.Int64()
		if err != nil {
			return nil, err
		}
		lastErr, err := d.String()
		if err != nil {
			return nil, err
		}

		nattempts, err := d.Uint32()
		if err != nil {
			return nil, err
		}
		var history []Attempt
		for j := uint32(0); j < nattempts; j++ {
			ts, err := d.Int64()
			if err != nil {
				return nil, err
			}
			server, err := d.String()
			if err != nil {
				return nil, err
			}
			outcomeByte, err := d.Uint8()
			if err != nil {
				return nil, err
			}
			detail, err := d.String()
			if err != nil {
				return nil, err
			}
			dur, err := d.Int64()
			if err != nil {
				return nil, err
			}
			history = append(history, Attempt{
				Timestamp: time.Unix(0, ts).UTC(),
				Server:    server,
				Outcome:   AttemptOutcome(outcomeByte),
				Detail:    detail,
				Duration:  time.Duration(dur),
			})
		}

		var nextRetryAt time.Time
		if nextRetryNs != 0 {
			nextRetryAt = time.Unix(0, nextRetryNs).UTC()
		}

		ctx.Deliveries[domain] = &DeliveryContext{
			Domain:         domain,
			Status:         DeliveryStatus(statusByte),
			AttemptHistory: history,
			ServerIndex:    int(serverIndex),
			QueuedAt:       time.Unix(0, queuedNs).UTC(),
			NextRetryAt:    nextRetryAt,
			LastError:      lastErr,
		}
	}

	if ctx.Data, err = d.Bytes(); err != nil {
		return nil, err
	}

	return ctx, nil
}

func getParamMap(d *wire.Decoder) (map[string]*string, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]*string, n)
	for i := uint32(0); i < n; i++ {
		k, err := d.String()
		if err != nil {
			return nil, err
		}
		v, err := d.OptionalString()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
