package events

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestMultiFansOut(t *testing.T) {
	var first, second []string
	m := Multi{
		EmitterFunc(func(e Event) { first = append(first, e.EventType()) }),
		nil,
		EmitterFunc(func(e Event) { second = append(second, e.EventType()) }),
	}
	m.Emit(AgreementTerminated{AgreementID: 1})
	require.Equal(t, []string{TypeAgreementTerminated}, first)
	require.Equal(t, first, second)
}

func TestCheckpointCompletedAttributes(t *testing.T) {
	receiver := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	evt := CheckpointCompleted{AgreementID: 4, CheckpointID: 1, Receiver: receiver, Amount: big.NewInt(700)}.Event()
	require.Equal(t, TypeCheckpointCompleted, evt.Type)
	require.Equal(t, "4", evt.Attributes["agreementId"])
	require.Equal(t, "1", evt.Attributes["checkpointId"])
	require.Equal(t, "700", evt.Attributes["amount"])
	require.True(t, strings.HasPrefix(evt.Attributes["receiver"], "ngr1"))
}

func TestStreamBacklogAndLive(t *testing.T) {
	stream := NewStream(2)
	stream.Emit(AgreementStarted{AgreementID: 0, TotalSize: big.NewInt(1)})
	stream.Emit(AgreementStarted{AgreementID: 1, TotalSize: big.NewInt(1)})
	stream.Emit(AgreementStarted{AgreementID: 2, TotalSize: big.NewInt(1)})

	live, backlog, cancel := stream.Subscribe("")
	defer cancel()
	require.Len(t, backlog, 2)
	require.Equal(t, "1", backlog[0].Event.Attributes["agreementId"])
	require.Equal(t, uint64(3), backlog[1].Sequence)

	_, afterCursor, cancelCursor := stream.Subscribe("2")
	cancelCursor()
	require.Len(t, afterCursor, 1)

	stream.Emit(AgreementTerminated{AgreementID: 2, Released: big.NewInt(5)})
	record := <-live
	require.Equal(t, TypeAgreementTerminated, record.Event.Type)
	require.Equal(t, "4", record.Cursor)
}

func TestStreamIgnoresUnrenderableEvents(t *testing.T) {
	stream := NewStream(0)
	stream.Emit(nil)
	_, backlog, cancel := stream.Subscribe("")
	defer cancel()
	require.Empty(t, backlog)
}
