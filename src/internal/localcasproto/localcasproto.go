// Package localcasproto hand-encodes the small subset of the storage
// daemon's LocalCAS service messages the core needs to drive directly:
// capturing a directory tree into the store, fetching one back out to a
// path, and reading disk usage. No generated Go package for this service
// exists in the dependency set, so requests/responses are built with
// protowire the same way package artifactproto builds Artifact records.
package localcasproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/thought-machine/plz-cas-cache/src/digest"
)

// CaptureTreeRequest names one or more filesystem paths, relative to an
// instance's working directory, to import into the CAS.
type CaptureTreeRequest struct {
	Paths        []string
	InstanceName string
	BypassLocalCache bool
}

func (r *CaptureTreeRequest) Marshal() []byte {
	var b []byte
	for _, p := range r.Paths {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	if r.InstanceName != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, r.InstanceName)
	}
	if r.BypassLocalCache {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// CaptureTreeResponseEntry is one (path, root digest) capture result.
type CaptureTreeResponseEntry struct {
	Path   string
	Root   digest.Digest
	Status int32 // a google.rpc.Code value; 0 is OK
}

// UnmarshalCaptureTreeResponse decodes a CaptureTreeResponse message.
func UnmarshalCaptureTreeResponse(b []byte) ([]CaptureTreeResponseEntry, error) {
	var entries []CaptureTreeResponseEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("localcasproto: bad tag")
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			sn := protowire.ConsumeFieldValue(num, typ, b)
			if sn < 0 {
				return nil, fmt.Errorf("localcasproto: bad field")
			}
			b = b[sn:]
			continue
		}
		field, fn := protowire.ConsumeBytes(b)
		if fn < 0 {
			return nil, fmt.Errorf("localcasproto: bad response entry")
		}
		b = b[fn:]
		entry, err := unmarshalResponseEntry(field)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func unmarshalResponseEntry(b []byte) (CaptureTreeResponseEntry, error) {
	var e CaptureTreeResponseEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("localcasproto: bad entry tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return e, fmt.Errorf("localcasproto: bad path")
			}
			e.Path = string(v)
			b = b[vn:]
		case num == 2 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return e, fmt.Errorf("localcasproto: bad digest")
			}
			d := &repb.Digest{}
			if err := unmarshalDigest(v, d); err != nil {
				return e, err
			}
			e.Root = digest.FromProto(d)
			b = b[vn:]
		case num == 3 && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return e, fmt.Errorf("localcasproto: bad status")
			}
			e.Status = int32(v)
			b = b[vn:]
		default:
			sn := protowire.ConsumeFieldValue(num, typ, b)
			if sn < 0 {
				return e, fmt.Errorf("localcasproto: bad field")
			}
			b = b[sn:]
		}
	}
	return e, nil
}

func unmarshalDigest(b []byte, d *repb.Digest) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("localcasproto: bad digest tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return fmt.Errorf("localcasproto: bad hash")
			}
			d.Hash = string(v)
			b = b[vn:]
		case num == 2 && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return fmt.Errorf("localcasproto: bad size")
			}
			d.SizeBytes = int64(v)
			b = b[vn:]
		default:
			sn := protowire.ConsumeFieldValue(num, typ, b)
			if sn < 0 {
				return fmt.Errorf("localcasproto: bad field")
			}
			b = b[sn:]
		}
	}
	return nil
}

// FetchTreeRequest asks the daemon to materialize a directory digest onto
// disk at Path.
type FetchTreeRequest struct {
	Root         digest.Digest
	Path         string
	InstanceName string
}

func (r *FetchTreeRequest) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeDigest(r.Root))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, r.Path)
	if r.InstanceName != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, r.InstanceName)
	}
	return b
}

func encodeDigest(d digest.Digest) []byte {
	var b []byte
	if d.Hash != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, d.Hash)
	}
	if d.Size != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Size))
	}
	return b
}

// DiskUsageResponse reports the daemon's last-known size and quota.
type DiskUsageResponse struct {
	UsedBytes  int64
	QuotaBytes int64
}

// UnmarshalDiskUsageResponse decodes a GetLocalDiskUsageResponse message.
func UnmarshalDiskUsageResponse(b []byte) (DiskUsageResponse, error) {
	var r DiskUsageResponse
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, fmt.Errorf("localcasproto: bad tag")
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return r, fmt.Errorf("localcasproto: bad used_bytes")
			}
			r.UsedBytes = int64(v)
			b = b[vn:]
		case num == 2 && typ == protowire.VarintType:
			v, vn := protowire.ConsumeVarint(b)
			if vn < 0 {
				return r, fmt.Errorf("localcasproto: bad quota_bytes")
			}
			r.QuotaBytes = int64(v)
			b = b[vn:]
		default:
			sn := protowire.ConsumeFieldValue(num, typ, b)
			if sn < 0 {
				return r, fmt.Errorf("localcasproto: bad field")
			}
			b = b[sn:]
		}
	}
	return r, nil
}
