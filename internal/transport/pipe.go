package transport

import "sync"

type message struct {
	kind int
	data []byte
}

// pipeBuffer is the number of in-flight messages per direction.
const pipeBuffer = 16

// Pipe returns two connected in-memory Conns. Each direction buffers a small
// fixed number of messages, after which writers block. Closing either end
// closes both, like a socket.
func Pipe() (Conn, Conn) {
	ab := make(chan message, pipeBuffer)
	ba := make(chan message, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEnd{in: ba, out: ab, done: done, once: once}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

type pipeEnd struct {
	in   <-chan message
	out  chan<- message
	done chan struct{}
	once *sync.Once
}

func (p *pipeEnd) ReadMessage() (int, []byte, error) {
	// drain anything already buffered before reporting closure
	select {
	case m := <-p.in:
		return m.kind, m.data, nil
	default:
	}

	select {
	case m := <-p.in:
		return m.kind, m.data, nil
	case <-p.done:
		return 0, nil, ErrClosed
	}
}

func (p *pipeEnd) WriteMessage(kind int, data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case p.out <- message{kind: kind, data: buf}:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
