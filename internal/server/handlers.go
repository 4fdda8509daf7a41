package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/harmonia-project/harmonia/internal/bus"
	"github.com/harmonia-project/harmonia/internal/engine"
	"github.com/harmonia-project/harmonia/internal/registry"
	"github.com/harmonia-project/harmonia/internal/version"
)

const maxUploadBytes = 32 << 20

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (d Deps) blockID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad block id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (d Deps) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := d.Session.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><title>harmonia</title><h1>harmonia %s</h1>", version.String())
	fmt.Fprintf(w, "<p>%.1f BPM, beat %.2f, %d peer(s)</p>", snap.BPM, snap.Beat, snap.PeerCount)
	fmt.Fprintf(w, "<p>%d block(s) loaded</p>", d.Registry.Len())
}

func (d Deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "Hi")
}

func (d Deps) handleGetNick(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, d.Nick())
}

func (d Deps) handleSetNick(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	nick := strings.TrimSpace(r.PostFormValue("nick"))
	if nick == "" {
		http.Error(w, "missing nick", http.StatusBadRequest)
		return
	}
	if err := d.SetNick(nick); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"nick": nick})
}

func (d Deps) handlePorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.Outputs.Names())
}

type blockVM struct {
	ID       uuid.UUID `json:"block_id"`
	Kind     string    `json:"kind"`
	FileName string    `json:"file_name"`
	Format   uint16    `json:"format"`
	Tracks   uint16    `json:"tracks_count"`
	Group    string    `json:"group"`
	Keybind  string    `json:"keybind"`
	Port     int       `json:"midi_port"`
	Playing  bool      `json:"playing"`
}

func (d Deps) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks := d.Registry.List()
	out := make([]blockVM, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, blockVM{
			ID: b.ID, Kind: b.Kind.String(), FileName: b.FileName,
			Format: b.Format, Tracks: b.Tracks, Group: b.Group,
			Keybind: b.Keybind, Port: b.Port, Playing: b.Playing,
		})
	}
	writeJSON(w, out)
}

type uploadOk struct {
	FileName    string    `json:"file_name"`
	Format      uint16    `json:"format"`
	TracksCount uint16    `json:"tracks_count"`
	BlockID     uuid.UUID `json:"block_id"`
}

// uploadResult mirrors a result sum: exactly one of Ok and Err is set.
type uploadResult struct {
	Ok  *uploadOk `json:"Ok,omitempty"`
	Err string    `json:"Err,omitempty"`
}

// handleUpload accepts a multipart batch. Each file is validated and stored
// independently; a bad file reports its own Err without failing the batch.
func (d Deps) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "bad multipart body", http.StatusBadRequest)
		return
	}
	var results []uploadResult
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			results = append(results, d.storeUpload(fh.Filename, fh))
		}
	}
	if results == nil {
		http.Error(w, "no files in upload", http.StatusBadRequest)
		return
	}
	if err := d.SaveState(); err != nil {
		log.Errorw("save state after upload", "err", err)
	}
	writeJSON(w, results)
}

func (d Deps) storeUpload(name string, fh *multipart.FileHeader) uploadResult {
	f, err := fh.Open()
	if err != nil {
		return uploadResult{Err: fmt.Sprintf("%s: %v", name, err)}
	}
	defer f.Close()
	payload, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return uploadResult{Err: fmt.Sprintf("%s: %v", name, err)}
	}
	if len(payload) > maxUploadBytes {
		return uploadResult{Err: fmt.Sprintf("%s: file too large", name)}
	}
	score, err := engine.Parse(payload)
	if err != nil {
		return uploadResult{Err: fmt.Sprintf("%s: %v", name, err)}
	}
	sha, err := d.Store.Put(payload)
	if err != nil {
		return uploadResult{Err: fmt.Sprintf("%s: %v", name, err)}
	}
	id := d.Registry.Insert(registry.Block{
		Kind:     registry.KindMidi,
		FileName: name,
		SHA1:     sha,
		Format:   score.Format,
		Tracks:   score.TrackCount,
		Port:     -1,
	})
	log.Infow("block uploaded", "id", id, "file", name, "sha1", sha)
	return uploadResult{Ok: &uploadOk{
		FileName:    name,
		Format:      score.Format,
		TracksCount: score.TrackCount,
		BlockID:     id,
	}}
}

// handleCreateSharedMemory registers a block that, when played, publishes
// the session beat into the shared tick region instead of emitting MIDI.
func (d Deps) handleCreateSharedMemory(w http.ResponseWriter, r *http.Request) {
	id := d.Registry.Insert(registry.Block{
		Kind:     registry.KindSharedMemory,
		FileName: "shared_memory",
		Port:     -1,
	})
	if err := d.SaveState(); err != nil {
		log.Errorw("save state after shared-memory create", "err", err)
	}
	log.Infow("shared-memory block created", "id", id)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]uuid.UUID{"block_id": id})
}

// handleSource serves the raw payload with the content SHA-1 as a strong
// ETag, so unchanged blocks revalidate with a 304.
func (d Deps) handleSource(w http.ResponseWriter, r *http.Request) {
	id, ok := d.blockID(w, r)
	if !ok {
		return
	}
	b, err := d.Registry.Get(id)
	if err != nil {
		http.Error(w, "unknown block", http.StatusNotFound)
		return
	}
	etag := `"` + b.SHA1 + `"`
	if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	payload, err := d.Store.Get(b.SHA1)
	if err != nil {
		http.Error(w, "payload missing from store", http.StatusNotFound)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "audio/midi")
	w.Write(payload)
}

func (d Deps) handlePlay(w http.ResponseWriter, r *http.Request) {
	id, ok := d.blockID(w, r)
	if !ok {
		return
	}
	if _, err := d.Registry.Get(id); err != nil {
		http.Error(w, "unknown block", http.StatusNotFound)
		return
	}
	d.Bus.Send(bus.Play{BlockID: id})
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued"})
}

func (d Deps) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if !isLocalRequest(r) {
		http.Error(w, "interrupt accepted from loopback only", http.StatusForbidden)
		return
	}
	d.Bus.Send(bus.Interrupt{})
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "queued"})
}

func (d Deps) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := d.blockID(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	var delta registry.Delta
	if r.PostForm.Has("group") {
		g := strings.TrimSpace(r.PostFormValue("group"))
		delta.Group = &g
	}
	if r.PostForm.Has("keybind") {
		k := strings.TrimSpace(r.PostFormValue("keybind"))
		delta.Keybind = &k
	}
	if r.PostForm.Has("midi_port") {
		p, err := strconv.Atoi(r.PostFormValue("midi_port"))
		if err != nil || p < -1 {
			http.Error(w, "bad midi_port", http.StatusBadRequest)
			return
		}
		delta.Port = &p
	}
	if err := d.Registry.Update(id, delta); err != nil {
		if errors.Is(err, registry.ErrUnknownBlock) {
			http.Error(w, "unknown block", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := d.SaveState(); err != nil {
		log.Errorw("save state after update", "err", err)
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d Deps) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := d.blockID(w, r)
	if !ok {
		return
	}
	if err := d.Registry.Delete(id); err != nil {
		http.Error(w, "unknown block", http.StatusNotFound)
		return
	}
	if err := d.SaveState(); err != nil {
		log.Errorw("save state after delete", "err", err)
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (d Deps) handleAbort(w http.ResponseWriter, r *http.Request) {
	if !isLocalRequest(r) {
		http.Error(w, "abort accepted from loopback only", http.StatusForbidden)
		return
	}
	writeJSON(w, map[string]string{"status": "shutting down"})
	log.Infow("abort requested")
	go d.Abort()
}
