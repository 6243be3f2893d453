package listener

// Route maps an inclusive CAN id range to a forwarding category. Routing is
// informational dispatch, not a filter: frames outside every range are still
// republished on the bus.
type Route struct {
	From, To uint32
	Category string
}

// RoutingTable is a static set of id-range routes.
type RoutingTable []Route

// Category returns the forwarding category for an id, if any range matches.
func (rt RoutingTable) Category(id uint32) (string, bool) {
	for _, r := range rt {
		if id >= r.From && id <= r.To {
			return r.Category, true
		}
	}
	return "", false
}

// DefaultRoutes is the in-vehicle id plan: engine, transmission, body and
// safety ECU ranges.
func DefaultRoutes() RoutingTable {
	return RoutingTable{
		{From: 0x100, To: 0x1FF, Category: "engine"},
		{From: 0x200, To: 0x2FF, Category: "transmission"},
		{From: 0x300, To: 0x3FF, Category: "body"},
		{From: 0x400, To: 0x4FF, Category: "safety"},
	}
}
