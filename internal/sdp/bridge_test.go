package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymeet/rtcgate/internal/core"
)

type fakeFactory struct {
	transport *fakeTransport
	calls     int
}

func (f *fakeFactory) NewTransport(mh MediaHandler) (core.Transport, error) {
	f.calls++
	return f.transport, nil
}

func TestProcessRemoteOfferSetsUpLocalOnce(t *testing.T) {
	factory := &fakeFactory{transport: newFakeTransport()}
	bridge := NewBridge(factory)
	handle := &core.Handle{ID: 7}

	out, err := bridge.ProcessRemote(handle, &core.JSEP{Type: "offer", SDP: browserOffer})
	require.NoError(t, err)

	assert.Equal(t, 1, factory.calls)
	assert.Equal(t, 1, factory.transport.setupCalls)
	assert.True(t, factory.transport.remoteOffer)
	assert.Equal(t, "offer", factory.transport.remoteType)
	assert.Equal(t, 0, factory.transport.checksStarted)

	require.NotNil(t, out)
	assert.Equal(t, "offer", out.Type)
	assert.NotContains(t, out.SDP, "ice-ufrag")
	assert.NotContains(t, out.SDP, "candidate")

	media := handle.Media()
	require.True(t, media.HasMedia())
	assert.Equal(t, 2, media.StreamsNum)
	assert.Equal(t, 1, media.AudioStream)
	assert.Equal(t, 2, media.VideoStream)
}

func TestProcessRemoteAnswerReusesContext(t *testing.T) {
	factory := &fakeFactory{transport: newFakeTransport()}
	bridge := NewBridge(factory)
	handle := &core.Handle{ID: 7}
	handle.SetMedia(&core.MediaContext{Transport: factory.transport})

	_, err := bridge.ProcessRemote(handle, &core.JSEP{Type: "answer", SDP: browserOffer})
	require.NoError(t, err)

	assert.Equal(t, 0, factory.calls)
	assert.Equal(t, "answer", factory.transport.remoteType)
	assert.Equal(t, 1, factory.transport.checksStarted)
}

func TestProcessRemoteAnswerWithoutContextFails(t *testing.T) {
	bridge := NewBridge(&fakeFactory{transport: newFakeTransport()})
	handle := &core.Handle{ID: 7}

	_, err := bridge.ProcessRemote(handle, &core.JSEP{Type: "answer", SDP: browserOffer})
	assert.ErrorIs(t, err, ErrInvalidSDP)
}

func TestProcessRemoteUnknownType(t *testing.T) {
	bridge := NewBridge(&fakeFactory{transport: newFakeTransport()})
	handle := &core.Handle{ID: 7}

	_, err := bridge.ProcessRemote(handle, &core.JSEP{Type: "pranswer", SDP: browserOffer})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestProcessLocalOfferMergesLocalDetails(t *testing.T) {
	factory := &fakeFactory{transport: newFakeTransport()}
	bridge := NewBridge(factory)
	handle := &core.Handle{ID: 7}

	out, err := bridge.ProcessLocal(handle, &core.JSEP{Type: "offer", SDP: browserOffer})
	require.NoError(t, err)

	assert.Equal(t, 1, factory.transport.setupCalls)
	assert.False(t, factory.transport.remoteOffer)
	assert.Equal(t, 0, factory.transport.checksStarted)

	assert.Contains(t, out.SDP, "a=ice-ufrag:gwufrag")
	assert.Contains(t, out.SDP, "a=end-of-candidates")
	// The plugin's own credentials never leak through.
	assert.NotContains(t, out.SDP, "F7gI")
}

func TestProcessLocalAnswerStartsChecks(t *testing.T) {
	factory := &fakeFactory{transport: newFakeTransport()}
	bridge := NewBridge(factory)
	handle := &core.Handle{ID: 7}

	// Browser offered first, so the context exists.
	_, err := bridge.ProcessRemote(handle, &core.JSEP{Type: "offer", SDP: browserOffer})
	require.NoError(t, err)

	_, err = bridge.ProcessLocal(handle, &core.JSEP{Type: "answer", SDP: browserOffer})
	require.NoError(t, err)

	assert.Equal(t, 1, factory.transport.setupCalls)
	assert.Equal(t, 1, factory.transport.checksStarted)
}

func TestProcessLocalGatheringFailure(t *testing.T) {
	transport := newFakeTransport()
	transport.failed = true
	factory := &fakeFactory{transport: transport}
	bridge := NewBridge(factory)
	handle := &core.Handle{ID: 7}

	_, err := bridge.ProcessLocal(handle, &core.JSEP{Type: "offer", SDP: browserOffer})
	assert.ErrorIs(t, err, ErrInvalidSDP)
}
