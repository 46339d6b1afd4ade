package cas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCAS is the production CAS collaborator: it talks to the upstream
// CDN-backed content-addressed storage service over plain HTTP/JSON.
// zest never writes to this service, only reads reconstruction metadata
// and CDN bytes; uploading to CAS is out of scope.
type HTTPCAS struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPCAS returns an HTTPCAS pointed at baseURL (the CAS service's
// reconstruction API root).
func NewHTTPCAS(baseURL string, timeout time.Duration) *HTTPCAS {
	return &HTTPCAS{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type reconstructionTermWire struct {
	XorbHash   string `json:"xorb_hash"`
	ChunkStart uint32 `json:"chunk_start"`
	ChunkEnd   uint32 `json:"chunk_end"`
}

type fetchEntryWire struct {
	XorbHash   string `json:"xorb_hash"`
	URL        string `json:"url"`
	ByteStart  int64  `json:"byte_start"`
	ByteEnd    int64  `json:"byte_end"`
	ChunkStart uint32 `json:"chunk_start"`
	ChunkEnd   uint32 `json:"chunk_end"`
}

type reconstructionWire struct {
	Terms     []reconstructionTermWire `json:"terms"`
	FetchInfo []fetchEntryWire         `json:"fetch_info"`
}

// GetReconstruction fetches and decodes the reconstruction plan for a
// file identified by its hash.
func (h *HTTPCAS) GetReconstruction(ctx context.Context, fileHashHex string) (*ReconstructionInfo, error) {
	url := fmt.Sprintf("%s/reconstruction/%s", h.baseURL, fileHashHex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Wrap(KindTransport, "build reconstruction request", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, Wrap(KindTransport, "reconstruction request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &Error{Kind: KindNegative, Msg: "no reconstruction for " + fileHashHex}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindUpstream, Msg: fmt.Sprintf("reconstruction request returned status %d", resp.StatusCode)}
	}

	var wire reconstructionWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, Wrap(KindProtocol, "decode reconstruction response", err)
	}

	info := &ReconstructionInfo{FetchInfo: make(map[XorbHash][]FetchEntry)}
	for _, t := range wire.Terms {
		xh, err := XorbHashFromHex(t.XorbHash)
		if err != nil {
			return nil, Wrap(KindProtocol, "decode term xorb_hash", err)
		}
		info.Terms = append(info.Terms, Term{
			XorbHash:   xh,
			ChunkRange: ChunkRange{Start: t.ChunkStart, End: t.ChunkEnd},
		})
	}
	for _, f := range wire.FetchInfo {
		xh, err := XorbHashFromHex(f.XorbHash)
		if err != nil {
			return nil, Wrap(KindProtocol, "decode fetch_info xorb_hash", err)
		}
		info.FetchInfo[xh] = append(info.FetchInfo[xh], FetchEntry{
			URL:        f.URL,
			ByteRange:  ByteRange{Start: f.ByteStart, End: f.ByteEnd},
			ChunkRange: ChunkRange{Start: f.ChunkStart, End: f.ChunkEnd},
		})
	}
	return info, nil
}

// FetchFromURL performs a ranged GET against a CDN-backed fetch URL.
func (h *HTTPCAS) FetchFromURL(ctx context.Context, url string, byteRange ByteRange) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Wrap(KindTransport, "build cdn request", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", byteRange.Start, byteRange.End-1))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, Wrap(KindTransport, "cdn request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindUpstream, Msg: fmt.Sprintf("cdn request returned status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Wrap(KindTransport, "read cdn response body", err)
	}
	return data, nil
}
