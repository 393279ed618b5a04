package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/acuray/console/lib/assoc"
	apperrors "github.com/acuray/console/lib/errors"
)

// associateRequest opens an association with a remote node.
type associateRequest struct {
	AETitle  string   `json:"ae_title"`
	Services []string `json:"services"`
}

// associateResponse is the node's answer.
type associateResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// releaseRequest announces an orderly association release.
type releaseRequest struct {
	Release bool `json:"release"`
}

// Dialer establishes TCP associations with PACS and worklist nodes.
// It implements assoc.Factory.
type Dialer struct {
	// NetDialer is used for outbound connections. The zero value works.
	NetDialer net.Dialer
}

// Establish dials the node and negotiates an association for the
// requested services.
func (d *Dialer) Establish(ctx context.Context, dest assoc.Destination, caps assoc.Capabilities) (assoc.Association, error) {
	conn, err := d.NetDialer.DialContext(ctx, "tcp", dest.Addr())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", dest.Addr(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := associateRequest{AETitle: dest.AETitle, Services: caps.Services}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending associate request: %w", err)
	}

	var resp associateResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading associate response: %w", err)
	}
	if !resp.Accepted {
		conn.Close()
		log.WithField("node", dest.Node).WithField("reason", resp.Reason).Warn("association rejected")
		return nil, fmt.Errorf("%s rejected association: %s: %w", dest.Node, resp.Reason, apperrors.ErrEstablishFailed)
	}

	// Negotiation deadline does not apply to the association lifetime.
	conn.SetDeadline(time.Time{})

	log.WithField("node", dest.Node).Debug("association established")
	return &tcpAssociation{conn: conn, dest: dest}, nil
}

// Close releases the association, announcing the release to the node
// first so it can account for the teardown.
func (d *Dialer) Close(ctx context.Context, a assoc.Association) error {
	ta, ok := a.(*tcpAssociation)
	if !ok {
		return fmt.Errorf("unexpected association type %T", a)
	}

	if deadline, ok := ctx.Deadline(); ok {
		ta.conn.SetWriteDeadline(deadline)
	}
	// Best effort: the socket closes either way.
	if err := json.NewEncoder(ta.conn).Encode(releaseRequest{Release: true}); err != nil {
		log.WithError(err).Debug("release announcement failed")
	}
	return ta.conn.Close()
}

// tcpAssociation is one negotiated connection to a remote node.
type tcpAssociation struct {
	conn net.Conn
	dest assoc.Destination
}

func (a *tcpAssociation) Destination() assoc.Destination { return a.dest }

// Conn exposes the underlying connection for service users.
func (a *tcpAssociation) Conn() net.Conn { return a.conn }
