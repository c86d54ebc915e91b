package records

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// A migration converts a stored document between two adjacent schema
// versions. up runs on read to bring old documents forward; down runs on
// write when a deployment pins a bucket to an older store format. A nil down
// marks the step as irreversible.
type migration struct {
	from, to int
	up       func(key string, doc map[string]interface{}) error
	down     func(key string, doc map[string]interface{}) error
}

var currentVersions = map[string]int{
	BatchBucket:      BatchVersion,
	CurrentTagBucket: CurrentTagVersion,
	InboundBucket:    InboundMessageVersion,
	OutboundBucket:   OutboundMessageVersion,
	EventBucket:      EventVersion,
}

// Migration history. Unversioned documents predate the version discipline and
// are treated as version 0.
var migrationChains = map[string][]migration{
	BatchBucket: {
		{from: 0, to: 1},
	},
	CurrentTagBucket: {
		{from: 0, to: 1},
	},
	InboundBucket: {
		{from: 0, to: 1, up: addTimestampTerms, down: dropField("batches_with_timestamps")},
		{from: 1, to: 2, up: addAddressTerms("from_addr"), down: dropField("batches_with_addresses")},
		{from: 2, to: 3, up: recomputeMessageTerms("from_addr")},
	},
	OutboundBucket: {
		{from: 0, to: 1, up: addTimestampTerms, down: dropField("batches_with_timestamps")},
		{from: 1, to: 2, up: addAddressTerms("to_addr"), down: dropField("batches_with_addresses")},
		{from: 2, to: 3, up: recomputeMessageTerms("to_addr")},
	},
	EventBucket: {
		{from: 0, to: 1, up: addEventStatusTerm, down: dropField("message_with_status")},
	},
}

func currentVersion(bucket string) int {
	return currentVersions[bucket]
}

// decodeAndMigrate parses a stored document and walks it forward to the
// current schema version. Numbers are kept as json.Number so uninterpreted
// envelope fields reencode byte-faithfully.
func decodeAndMigrate(bucket, key string, data []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("cannot decode %s record %q: %w", bucket, key, err)
	}
	if err := migrateDocForward(bucket, key, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func migrateDocForward(bucket, key string, doc map[string]interface{}) error {
	version, err := docVersion(bucket, key, doc)
	if err != nil {
		return err
	}
	current := currentVersion(bucket)
	if version > current {
		return newMigrationError(bucket, key, version, nil,
			"stored version is newer than supported version %d", current)
	}
	for version < current {
		step, ok := findMigrationFrom(bucket, version)
		if !ok {
			return newMigrationError(bucket, key, version, nil,
				"no migrator registered for version %d", version)
		}
		if step.up != nil {
			if err := step.up(key, doc); err != nil {
				return newMigrationError(bucket, key, version, err,
					"migrator to version %d failed: %v", step.to, err)
			}
		}
		doc["$VERSION"] = step.to
		version = step.to
	}
	return nil
}

// migrateDocToVersion walks a current-version document down to a pinned older
// version. Down migrators drop the fields their up counterparts added;
// version 0 documents carry no $VERSION field at all.
func migrateDocToVersion(bucket, key string, doc map[string]interface{}, target int) error {
	version := currentVersion(bucket)
	if target > version || target < 0 {
		return newMigrationError(bucket, key, version, nil,
			"cannot store at version %d", target)
	}
	for version > target {
		step, ok := findMigrationTo(bucket, version)
		if !ok {
			return newMigrationError(bucket, key, version, nil,
				"no migrator registered down from version %d", version)
		}
		if step.down != nil {
			if err := step.down(key, doc); err != nil {
				return newMigrationError(bucket, key, version, err,
					"reverse migrator to version %d failed: %v", step.from, err)
			}
		}
		version = step.from
		if version == 0 {
			delete(doc, "$VERSION")
		} else {
			doc["$VERSION"] = version
		}
	}
	return nil
}

func findMigrationFrom(bucket string, version int) (migration, bool) {
	for _, step := range migrationChains[bucket] {
		if step.from == version {
			return step, true
		}
	}
	return migration{}, false
}

func findMigrationTo(bucket string, version int) (migration, bool) {
	for _, step := range migrationChains[bucket] {
		if step.to == version {
			return step, true
		}
	}
	return migration{}, false
}

func docVersion(bucket, key string, doc map[string]interface{}) (int, error) {
	raw, ok := doc["$VERSION"]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, newMigrationError(bucket, key, 0, err, "malformed $VERSION %q", v.String())
		}
		return int(n), nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, newMigrationError(bucket, key, 0, nil, "malformed $VERSION of type %T", raw)
	}
}

// addTimestampTerms computes batches_with_timestamps for documents written
// before the index existed.
func addTimestampTerms(key string, doc map[string]interface{}) error {
	ts, err := docEnvelopeTimestamp(doc, "msg")
	if err != nil {
		return err
	}
	batches, err := docStringList(doc, "batches")
	if err != nil {
		return err
	}
	terms := make([]string, len(batches))
	for i, batchID := range batches {
		terms[i] = batchID + termSeparator + ts
	}
	doc["batches_with_timestamps"] = terms
	return nil
}

// addAddressTerms computes batches_with_addresses using the given envelope
// address field (from_addr for inbound, to_addr for outbound).
func addAddressTerms(addrField string) func(string, map[string]interface{}) error {
	return func(key string, doc map[string]interface{}) error {
		ts, err := docEnvelopeTimestamp(doc, "msg")
		if err != nil {
			return err
		}
		addr, err := docEnvelopeString(doc, "msg", addrField)
		if err != nil {
			return err
		}
		batches, err := docStringList(doc, "batches")
		if err != nil {
			return err
		}
		terms := make([]string, len(batches))
		for i, batchID := range batches {
			terms[i] = batchID + termSeparator + ts + termSeparator + addr
		}
		doc["batches_with_addresses"] = terms
		return nil
	}
}

// recomputeMessageTerms rebuilds both compound term lists from scratch. Some
// version 2 documents carry terms with legacy microsecond timestamps or
// duplicated batch references; recomputing normalizes them.
func recomputeMessageTerms(addrField string) func(string, map[string]interface{}) error {
	addAddresses := addAddressTerms(addrField)
	return func(key string, doc map[string]interface{}) error {
		batches, err := docStringList(doc, "batches")
		if err != nil {
			return err
		}
		doc["batches"] = dedupeSorted(batches)
		if err := addTimestampTerms(key, doc); err != nil {
			return err
		}
		return addAddresses(key, doc)
	}
}

// addEventStatusTerm computes message_with_status for event documents written
// before the index existed.
func addEventStatusTerm(key string, doc map[string]interface{}) error {
	ts, err := docEnvelopeTimestamp(doc, "event")
	if err != nil {
		return err
	}
	eventType, err := docEnvelopeString(doc, "event", "event_type")
	if err != nil {
		return err
	}
	status := eventType
	if eventType == EventDeliveryReport {
		deliveryStatus, err := docEnvelopeString(doc, "event", "delivery_status")
		if err != nil {
			return err
		}
		status = eventType + "." + deliveryStatus
	}
	message, ok := doc["message"].(string)
	if !ok || message == "" {
		return fmt.Errorf("document has no owning message reference")
	}
	doc["message_with_status"] = message + termSeparator + ts + termSeparator + status
	return nil
}

func dropField(field string) func(string, map[string]interface{}) error {
	return func(key string, doc map[string]interface{}) error {
		delete(doc, field)
		return nil
	}
}

func docEnvelopeTimestamp(doc map[string]interface{}, envelopeField string) (string, error) {
	raw, err := docEnvelopeString(doc, envelopeField, "timestamp")
	if err != nil {
		return "", err
	}
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return "", err
	}
	return ts.String(), nil
}

func docEnvelopeString(doc map[string]interface{}, envelopeField, field string) (string, error) {
	envelope, ok := doc[envelopeField].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("document has no %s envelope", envelopeField)
	}
	value, ok := envelope[field].(string)
	if !ok {
		return "", fmt.Errorf("envelope field %q is missing or not a string", field)
	}
	return value, nil
}

func docStringList(doc map[string]interface{}, field string) ([]string, error) {
	switch v := doc[field].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("field %q contains a non-string element", field)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("field %q is not a list", field)
	}
}
