// Package web serves a read-only view of a compiled model over HTTP.
package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hpi-xnor/qinception/checkpoints"
	"github.com/hpi-xnor/qinception/layers"
)

// Server holds the model being inspected. The model is never modified, so
// handlers need no locking.
type Server struct {
	model *layers.ModelSpec
	doc   string
}

// NewServer returns a router exposing the compiled model
func NewServer(model *layers.ModelSpec) (http.Handler, error) {
	if model == nil || !model.Compiled {
		return nil, layers.ErrNotCompiled
	}
	s := &Server{model: model, doc: fmt.Sprintf("%s graph", model.Output)}

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/summary", http.StatusFound))
	r.HandleFunc("/summary", s.Summary()).Methods("GET")
	r.HandleFunc("/graph", s.Graph()).Methods("GET")
	r.HandleFunc("/layers", s.Layers()).Methods("GET")
	r.HandleFunc("/layers/{name}", s.Layer()).Methods("GET")
	r.HandleFunc("/concat", s.Concat()).Methods("GET")
	r.HandleFunc("/fingerprint", s.Fingerprint()).Methods("GET")
	r.HandleFunc("/onnx", s.ONNX()).Methods("GET")
	return r, nil
}

// Handler function for the text summary
func (s *Server) Summary() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, s.model.Summary())
	}
}

// Handler function for the symbol JSON document
func (s *Server) Graph() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := checkpoints.SaveSymbolJSON(&buf, s.model); err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		buf.WriteTo(w)
	}
}

// Handler function listing layer names in topological order
func (s *Server) Layers() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		names := make([]string, len(s.model.Layers))
		for i, l := range s.model.Layers {
			names[i] = l.Name
		}
		writeJSON(w, names)
	}
}

// Handler function for a single compiled layer
func (s *Server) Layer() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		layer, ok := s.model.Layer(name)
		if !ok {
			http.Error(w, fmt.Sprintf("layer %q not found", name), http.StatusNotFound)
			return
		}
		writeJSON(w, layer)
	}
}

// Handler function for the concat channel table
func (s *Server) Concat() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.model.ConcatChannels())
	}
}

func (s *Server) Fingerprint() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		fp, err := s.model.Fingerprint()
		if err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, fp)
	}
}

// Handler function for the ONNX export
func (s *Server) ONNX() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := checkpoints.NewONNXExporter().Encode(s.model, s.doc)
		if err != nil {
			logError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.model.Output+".onnx"))
		w.Write(data)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func logError(w http.ResponseWriter, err error) {
	log.Println(err)
	http.Error(w, fmt.Sprint(err), http.StatusInternalServerError)
}
