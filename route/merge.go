package route

// Merge folds events, in order, over a working copy of base.
// Upserts replace the route for their host, deletes remove it. It returns the
// working copy and the number of net changes; an upsert identical to the
// current route and a delete of an absent host do not count.
// base is never modified.
func Merge(base *Snapshot, events []Event) (map[Host]*Info, int) {
	if base == nil {
		base = emptySnapshot
	}
	working := base.Routes()

	changes := 0
	for _, ev := range events {
		switch e := ev.(type) {
		case UpsertEvent:
			if e.route == nil {
				continue
			}
			if !e.route.Valid() {
				if _, ok := working[e.Host()]; ok {
					delete(working, e.Host())
					changes++
				}
				continue
			}
			if old, ok := working[e.Host()]; ok && old.Equal(e.route) {
				continue
			}
			working[e.Host()] = e.route
			changes++
		case DeleteEvent:
			if _, ok := working[e.host]; ok {
				delete(working, e.host)
				changes++
			}
		}
	}
	return working, changes
}
