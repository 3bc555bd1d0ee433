package roomdto

// ConnectionHealth is the server's heartbeat reading for one connection.
type ConnectionHealth struct {
	ConnID   string `json:"connId"`
	Measured bool   `json:"measured"`
	RTTMs    int64  `json:"rttMs"`
	Tier     string `json:"tier"`
	Bars     int    `json:"bars"`
	Misses   int    `json:"misses"`
}
