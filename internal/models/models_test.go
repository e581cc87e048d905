package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionTypeValid(t *testing.T) {
	for _, typ := range ActionTypes {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, ActionType("ADD_MESSAGE").Valid())
	assert.False(t, ActionType("").Valid())
}

func TestSyncActionOrderID(t *testing.T) {
	a := SyncAction{Payload: json.RawMessage(`{"orderId":"os-42","status":"IN_PROGRESS"}`)}
	assert.Equal(t, "os-42", a.OrderID())

	assert.Empty(t, SyncAction{Payload: json.RawMessage(`{"lat":1}`)}.OrderID())
	assert.Empty(t, SyncAction{Payload: json.RawMessage(`[1,2]`)}.OrderID())
	assert.Empty(t, SyncAction{}.OrderID())
}

func TestSnapshotID(t *testing.T) {
	id, err := SnapshotID(json.RawMessage(`{"id":"abc","title":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	id, err = SnapshotID(json.RawMessage(`{"id":17}`))
	require.NoError(t, err)
	assert.Equal(t, "17", id)

	_, err = SnapshotID(json.RawMessage(`{"title":"x"}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = SnapshotID(json.RawMessage(`{"id":""}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = SnapshotID(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestBatchResponseResultFor(t *testing.T) {
	resp := &BatchResponse{Results: []BatchActionResult{
		{ClientID: "a", Status: ServerStatusSuccess, ServerID: "srv-1"},
		{ClientID: "b", Status: ServerStatusFailed},
	}}

	res, ok := resp.ResultFor("b")
	require.True(t, ok)
	assert.Equal(t, ServerStatusFailed, res.Status)

	_, ok = resp.ResultFor("zzz")
	assert.False(t, ok)

	var nilResp *BatchResponse
	_, ok = nilResp.ResultFor("a")
	assert.False(t, ok)
}
