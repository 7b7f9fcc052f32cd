package opcua

import (
	"context"
	"fmt"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
)

type clientSession struct {
	client *opcua.Client
}

func parseNodeID(nodeID string) (*ua.NodeID, error) {
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, err, "invalid node id %s", nodeID)
	}
	return id, nil
}

func (s *clientSession) Read(ctx context.Context, nodeID string) (session.Reading, error) {
	id, err := parseNodeID(nodeID)
	if err != nil {
		return session.Reading{}, err
	}

	req := &ua.ReadRequest{
		MaxAge:             0,
		NodesToRead:        []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}

	resp, err := s.client.Read(ctx, req)
	if err != nil {
		return session.Reading{}, classify(err)
	}

	if resp == nil || len(resp.Results) == 0 || resp.Results[0] == nil {
		return session.Reading{}, apierr.New(apierr.Operation, "read of node %s returned no result", nodeID)
	}

	return toReading(resp.Results[0], nodeID)
}

func toReading(dv *ua.DataValue, nodeID string) (session.Reading, error) {
	if dv.Status != ua.StatusOK && Quality(dv.Status) == "Bad" {
		return session.Reading{}, statusError(dv.Status, "read", nodeID)
	}

	reading := session.Reading{
		Value:           ValueOf(dv.Value),
		DataType:        DataTypeOf(dv.Value),
		Quality:         Quality(dv.Status),
		SourceTimestamp: dv.SourceTimestamp,
		ServerTimestamp: dv.ServerTimestamp,
	}

	if reading.ServerTimestamp.IsZero() {
		reading.ServerTimestamp = time.Now().UTC()
	}

	return reading, nil
}

func (s *clientSession) Write(ctx context.Context, nodeID string, value valuecodec.TypedValue) error {
	id, err := parseNodeID(nodeID)
	if err != nil {
		return err
	}

	variant, err := NewVariant(value)
	if err != nil {
		return apierr.Wrap(apierr.Encode, err, "cannot write %v as %s", value.Value, value.DataType)
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      id,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			},
		},
	}

	resp, err := s.client.Write(ctx, req)
	if err != nil {
		return classify(err)
	}

	if len(resp.Results) == 0 {
		return apierr.New(apierr.Operation, "write of node %s returned no result", nodeID)
	}

	if resp.Results[0] != ua.StatusOK {
		return statusError(resp.Results[0], "write", nodeID)
	}

	return nil
}

func (s *clientSession) Browse(ctx context.Context, nodeID string) ([]session.BrowseResult, error) {
	nid, err := parseNodeID(nodeID)
	if err != nil {
		return nil, err
	}

	req := &ua.BrowseRequest{
		View: &ua.ViewDescription{ViewID: ua.NewTwoByteNodeID(0)},
		NodesToBrowse: []*ua.BrowseDescription{
			{
				NodeID:          nid,
				BrowseDirection: ua.BrowseDirectionForward,
				ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
				IncludeSubtypes: true,
				NodeClassMask:   0,
				ResultMask:      uint32(ua.BrowseResultMaskAll),
			},
		},
	}

	resp, err := s.client.Browse(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Results) == 0 {
		return nil, apierr.New(apierr.Operation, "browse of node %s returned no result", nodeID)
	}

	result := resp.Results[0]
	if result.StatusCode != ua.StatusOK {
		return nil, statusError(result.StatusCode, "browse", nodeID)
	}

	refs := append([]*ua.ReferenceDescription{}, result.References...)

	for cp := result.ContinuationPoint; len(cp) > 0; {
		next, err := s.client.BrowseNext(ctx, &ua.BrowseNextRequest{ContinuationPoints: [][]byte{cp}})
		if err != nil {
			return nil, classify(err)
		}

		if len(next.Results) == 0 || next.Results[0].StatusCode != ua.StatusOK {
			break
		}

		refs = append(refs, next.Results[0].References...)
		cp = next.Results[0].ContinuationPoint
	}

	results := make([]session.BrowseResult, 0, len(refs))
	for _, ref := range refs {
		if ref == nil || ref.NodeID == nil || ref.NodeID.NodeID == nil {
			continue
		}

		br := session.BrowseResult{
			NodeID:    ref.NodeID.NodeID.String(),
			NodeClass: ref.NodeClass.String(),
		}
		if ref.BrowseName != nil {
			br.BrowseName = ref.BrowseName.Name
		}
		if ref.DisplayName != nil {
			br.DisplayName = ref.DisplayName.Text
		}
		if br.DisplayName == "" {
			br.DisplayName = br.BrowseName
		}

		results = append(results, br)
	}

	return results, nil
}

func (s *clientSession) RegisterNodes(ctx context.Context, nodeIDs []string) ([]string, error) {
	ids := make([]*ua.NodeID, 0, len(nodeIDs))
	for _, n := range nodeIDs {
		id, err := parseNodeID(n)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	resp, err := s.client.RegisterNodes(ctx, &ua.RegisterNodesRequest{NodesToRegister: ids})
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.RegisteredNodeIDs) != len(nodeIDs) {
		return nil, apierr.New(apierr.Operation,
			"server returned %d handles for %d nodes", len(resp.RegisteredNodeIDs), len(nodeIDs))
	}

	handles := make([]string, 0, len(resp.RegisteredNodeIDs))
	for _, h := range resp.RegisteredNodeIDs {
		handles = append(handles, h.String())
	}

	return handles, nil
}

func (s *clientSession) UnregisterNodes(ctx context.Context, handles []string) error {
	ids := make([]*ua.NodeID, 0, len(handles))
	for _, h := range handles {
		id, err := parseNodeID(h)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	_, err := s.client.UnregisterNodes(ctx, &ua.UnregisterNodesRequest{NodesToUnregister: ids})
	if err != nil {
		return classify(err)
	}

	return nil
}

func (s *clientSession) Connected() bool {
	return s.client.State() == opcua.Connected
}

func (s *clientSession) Close(ctx context.Context) error {
	if err := s.client.Close(ctx); err != nil {
		return fmt.Errorf("failed to close opcua session: %w", err)
	}
	return nil
}
