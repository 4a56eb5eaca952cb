package gtfs

// Feed holds the parts of a static GTFS archive the tracker needs.
type Feed struct {
	Routes    []Route
	Stops     []Stop
	Trips     []Trip
	Shapes    map[string][]ShapePoint // keyed by shape_id, sorted by sequence
	StopTimes []StopTime
}

// Route represents a route from routes.txt
type Route struct {
	RouteID        string
	AgencyID       string
	RouteShortName string
	RouteLongName  string
	RouteType      int
	RouteColor     string
}

// Stop represents a stop from stops.txt
type Stop struct {
	StopID        string
	StopName      string
	StopLat       float64
	StopLon       float64
	LocationType  int
	ParentStation string
}

// Trip represents a trip from trips.txt
type Trip struct {
	RouteID     string
	ServiceID   string
	TripID      string
	Headsign    string
	DirectionID int
	ShapeID     string
}

// ShapePoint represents a point from shapes.txt
type ShapePoint struct {
	ShapeID  string
	Lat      float64
	Lon      float64
	Sequence int
}

// StopTime represents a row of stop_times.txt with times already converted
// to seconds since service-day midnight. Values past 24h are kept as-is.
type StopTime struct {
	TripID           string
	StopID           string
	StopSequence     int
	ArrivalSeconds   int
	DepartureSeconds int
}
