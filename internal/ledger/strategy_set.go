package ledger

import "encoding/json"

func marshalStrategySet(set map[string]struct{}) (string, error) {
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	b, err := json.Marshal(names)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalStrategySet(raw string) (map[string]struct{}, error) {
	set := map[string]struct{}{}
	if raw == "" {
		return set, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, err
	}
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set, nil
}
