package handlers

import "time"

// timeFormat is the wire format every handler uses for timestamp fields.
const timeFormat = time.RFC3339Nano
