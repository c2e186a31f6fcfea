package registrar

import (
	"encoding/json"

	"dsprocessor/internal/domain"
	"dsprocessor/internal/fdo"
	dErrors "dsprocessor/pkg/domain-errors"
)

type wireAttribute struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	Data  string `json:"data"`
}

type wireRecord struct {
	Type       string          `json:"type,omitempty"`
	ID         string          `json:"id,omitempty"`
	Attributes []wireAttribute `json:"attributes,omitempty"`
}

type wireEnvelope struct {
	Data []wireRecord `json:"data"`
}

type lookupRequest struct {
	Data struct {
		PrimaryObjectIDs []string `json:"primaryObjectIds"`
	} `json:"data"`
}

func encodeProfiles(reqs []fdo.ProfileRequest) ([]byte, error) {
	env := wireEnvelope{Data: make([]wireRecord, 0, len(reqs))}
	for _, r := range reqs {
		rec := wireRecord{Type: fdo.ObjectType(r.Kind), ID: r.PID}
		for _, a := range r.Attributes {
			rec.Attributes = append(rec.Attributes, wireAttribute{Index: a.Index, Type: a.Type, Data: string(a.Data)})
		}
		env.Data = append(env.Data, rec)
	}
	return json.Marshal(env)
}

func encodeIDs(pids []string) ([]byte, error) {
	env := wireEnvelope{Data: make([]wireRecord, 0, len(pids))}
	for _, pid := range pids {
		env.Data = append(env.Data, wireRecord{ID: pid})
	}
	return json.Marshal(env)
}

// decodeKeyed maps the natural key echoed in each returned record to its PID.
func decodeKeyed(body []byte) (map[string]string, error) {
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeRegistrarProtocol, "decode registrar response")
	}
	out := make(map[string]string, len(env.Data))
	for _, rec := range env.Data {
		if rec.ID == "" {
			return nil, dErrors.New(dErrors.CodeRegistrarProtocol, "registrar response record without id")
		}
		key := ""
		for _, a := range rec.Attributes {
			if a.Index == fdo.IndexPrimaryID {
				key = domain.NormalizeKey(a.Data)
				break
			}
		}
		if key == "" {
			return nil, dErrors.Newf(dErrors.CodeRegistrarProtocol, "registrar response for %s without primary object id", rec.ID)
		}
		out[key] = rec.ID
	}
	return out, nil
}
