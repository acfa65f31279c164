package transport

import "io"

// pipeConn joins a child process's separately-piped stdin/stdout into one
// bidirectional stream. It supports half-close (CloseWrite) so an Eager
// Connection's quit() can signal EOF to the worker without tearing down the
// read side before the close response arrives.
type pipeConn struct {
	stdout io.ReadCloser
	stdin  io.WriteCloser
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *pipeConn) Close() error {
	errStdin := p.stdin.Close()
	errStdout := p.stdout.Close()
	if errStdin != nil {
		return errStdin
	}
	return errStdout
}

// CloseWrite half-closes the stdin side, signalling EOF to the worker's
// input stream while leaving stdout open to read the final responses.
func (p *pipeConn) CloseWrite() error {
	return p.stdin.Close()
}
