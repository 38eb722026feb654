package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/ratelimit"
	"github.com/pingcap/errors"

	"github.com/restsaga/restsaga/config"
)

// RestStore is an Adapter over a REST data store exposing the usual per-table
// resource layout:
//
//	POST   /{table}        insert, responds {"id": "..."}
//	GET    /{table}/{id}   point read
//	PUT    /{table}/{id}   full-row update
//	DELETE /{table}/{id}   delete
//	GET    /{table}?f=v    filtered list, responds {"rows": [...]}
//
// Each row write is atomic on the store side; nothing larger is. Outbound
// calls share a token bucket so a burst of concurrent transactions cannot
// overload the store.
type RestStore struct {
	base   string
	client *http.Client
	bucket *ratelimit.Bucket
}

func NewRestStore(conf *config.Config) *RestStore {
	s := &RestStore{
		base:   strings.TrimRight(conf.StoreBaseURL, "/"),
		client: &http.Client{},
	}
	if conf.StoreRequestRate > 0 {
		s.bucket = ratelimit.NewBucketWithRate(conf.StoreRequestRate, int64(conf.StoreRequestRate)+1)
	}
	return s
}

func (s *RestStore) Apply(ctx context.Context, table string, kind Kind, payload Row) (*ApplyResult, error) {
	switch kind {
	case KindInsert:
		var resp struct {
			ID string `json:"id"`
		}
		if err := s.do(ctx, "POST", s.tableURL(table), payload, &resp); err != nil {
			return nil, err
		}
		if resp.ID == "" {
			// Insert of a row that carries its own id; the store echoes
			// nothing back.
			resp.ID, _ = payload.ID()
		}
		return &ApplyResult{AssignedID: resp.ID}, nil
	case KindUpdate, KindDelete:
		id, ok := payload.ID()
		if !ok {
			return nil, errors.Errorf("%s on %s without an id", kind, table)
		}
		prior, err := s.getRow(ctx, table, id)
		if err != nil {
			return nil, err
		}
		if kind == KindDelete {
			if err := s.DeleteByID(ctx, table, id); err != nil {
				return nil, err
			}
			return &ApplyResult{AssignedID: id, PreImage: prior}, nil
		}
		merged := prior.Clone()
		for k, v := range payload {
			merged[k] = v
		}
		if err := s.do(ctx, "PUT", s.rowURL(table, id), merged, nil); err != nil {
			return nil, err
		}
		return &ApplyResult{AssignedID: id, PreImage: prior}, nil
	}
	return nil, errors.Errorf("unknown operation kind %d", kind)
}

func (s *RestStore) Replace(ctx context.Context, table string, id string, row Row) error {
	// A plain PUT of the full row; nothing is read or merged first.
	return s.do(ctx, "PUT", s.rowURL(table, id), row, nil)
}

func (s *RestStore) Read(ctx context.Context, table string, filter Row) ([]Row, error) {
	u := s.tableURL(table)
	if len(filter) > 0 {
		q := url.Values{}
		for k, v := range filter {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u += "?" + q.Encode()
	}
	var resp struct {
		Rows []Row `json:"rows"`
	}
	if err := s.do(ctx, "GET", u, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (s *RestStore) DeleteByID(ctx context.Context, table string, id string) error {
	return s.do(ctx, "DELETE", s.rowURL(table, id), nil, nil)
}

func (s *RestStore) getRow(ctx context.Context, table string, id string) (Row, error) {
	var row Row
	if err := s.do(ctx, "GET", s.rowURL(table, id), nil, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (s *RestStore) tableURL(table string) string {
	return s.base + "/" + url.PathEscape(table)
}

func (s *RestStore) rowURL(table string, id string) string {
	return s.tableURL(table) + "/" + url.PathEscape(id)
}

// do performs one rate-limited HTTP round trip, encoding body and decoding the
// response into out when non-nil.
func (s *RestStore) do(ctx context.Context, method string, u string, body interface{}, out interface{}) error {
	if s.bucket != nil {
		s.bucket.Wait(1)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return errors.WithStack(err)
	}
	req = req.WithContext(ctx)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.Annotatef(ErrRowNotFound, "%s %s", method, u)
	}
	if resp.StatusCode >= 400 {
		detail, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return errors.WithStack(err)
	}
	return nil
}
