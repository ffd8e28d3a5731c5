package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	engine := NewScriptEngine()
	reg.Register(0, engine)

	got, err := reg.Lookup(0)
	require.NoError(t, err)
	assert.Same(t, engine, got)

	_, err = reg.Lookup(9)
	assert.ErrorIs(t, err, ErrUnknownRuntimeType)
}

type fakeNatives struct {
	logs    []string
	opened  map[uint32]int32
	nextFD  int32
	writes  map[int32][]byte
	readBuf map[int32][]byte
	closed  []int32
}

func newFakeNatives() *fakeNatives {
	return &fakeNatives{
		opened:  make(map[uint32]int32),
		writes:  make(map[int32][]byte),
		readBuf: make(map[int32][]byte),
	}
}

func (f *fakeNatives) Log(msg string) { f.logs = append(f.logs, msg) }

func (f *fakeNatives) Open(endpointID uint32) (int32, error) {
	f.nextFD++
	f.opened[endpointID] = f.nextFD
	return f.nextFD, nil
}

func (f *fakeNatives) Close(fd int32) error {
	f.closed = append(f.closed, fd)
	return nil
}

func (f *fakeNatives) Read(fd int32, max int) ([]byte, error) {
	return f.readBuf[fd], nil
}

func (f *fakeNatives) Write(fd int32, data []byte) (int, error) {
	f.writes[fd] = append([]byte(nil), data...)
	return len(data), nil
}

func TestScriptEngineEchoLoop(t *testing.T) {
	engine := NewScriptEngine()
	natives := newFakeNatives()

	code := []byte("open a 1\nread a 4\nopen b 2\nwrite b\nclose a\nclose b\nstop")
	h, err := engine.Create(nil, code, natives)
	require.NoError(t, err)

	require.NoError(t, engine.OnStart(h))
	natives.readBuf[1] = []byte{0xDE, 0xAD, 0xBE, 0xEF}

	result, err := engine.OnLoop(h)
	require.NoError(t, err)
	assert.Equal(t, Done, result)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, natives.writes[2])
	assert.ElementsMatch(t, []int32{1, 2}, natives.closed)

	require.NoError(t, engine.OnStop(h))
	require.NoError(t, engine.OnFinalize(h))
}

func TestScriptEngineUnknownFdLabelErrors(t *testing.T) {
	engine := NewScriptEngine()
	natives := newFakeNatives()

	code := []byte("write missing")
	h, err := engine.Create(nil, code, natives)
	require.NoError(t, err)

	_, err = engine.OnLoop(h)
	assert.Error(t, err)
}
