package remote

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/cryguy/vmhost/internal/core"
)

// MaxMessageBytes limits the size of one websocket message.
const MaxMessageBytes = 16 * 1024 * 1024

// Request is what a ServeFunc receives.
type Request struct {
	Dest    string
	Attrs   map[string]string
	Payload []byte
	Objects []uint32
}

// ServeFunc answers one request. A returned error is sent back as an error
// response.
type ServeFunc func(ctx context.Context, req *Request) (payload []byte, objects []uint32, err error)

// Server answers request frames arriving on websocket connections.
type Server struct {
	Serve   ServeFunc
	encoder Encoder
}

// NewServer creates a server that compresses responses as cfg says.
func NewServer(cfg core.RemoteConfig, serve ServeFunc) (*Server, error) {
	codec, err := ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	return &Server{
		Serve:   serve,
		encoder: Encoder{Codec: codec, Threshold: cfg.CompressThreshold},
	}, nil
}

// ServeHTTP upgrades the connection and serves requests until it closes.
// Requests on one connection are answered concurrently.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("remote: accepting %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxMessageBytes)

	var (
		wmu sync.Mutex
		wg  sync.WaitGroup
	)
	defer wg.Wait()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Printf("remote: reading from %s: %v", r.RemoteAddr, err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		req, err := Decode(msg)
		if err != nil {
			log.Printf("remote: dropping frame from %s: %v", r.RemoteAddr, err)
			continue
		}
		if req.Kind != KindRequest {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := s.answer(ctx, req)
			data, err := s.encoder.Encode(resp)
			if err != nil {
				log.Printf("remote: encoding response %s: %v", req.ID, err)
				return
			}
			wmu.Lock()
			defer wmu.Unlock()
			if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
				log.Printf("remote: writing response %s: %v", req.ID, err)
				cancel()
			}
		}()
	}
}

func (s *Server) answer(ctx context.Context, req *Frame) (resp *Frame) {
	resp = &Frame{Kind: KindResponse, ID: req.ID}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("remote: serving %s for %q panicked: %v", req.ID, req.Dest, p)
			resp = &Frame{Kind: KindResponse, ID: req.ID, Error: "responder panicked"}
		}
	}()
	payload, objects, err := s.Serve(ctx, &Request{
		Dest:    req.Dest,
		Attrs:   req.Attrs,
		Payload: req.Payload,
		Objects: req.Objects,
	})
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Payload, resp.Objects = payload, objects
	return resp
}
