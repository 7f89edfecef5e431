package lifecycle

import "time"

// ExpiringWindow is how far ahead DashboardStats.ExpiringSoon looks.
const ExpiringWindow = time.Hour

type DashboardStats struct {
	TotalResources int64 `json:"total_resources"`
	FreeResources  int64 `json:"free_resources"`
	ActiveLeases   int64 `json:"active_leases"`
	WaitingClients int64 `json:"waiting_clients"`
	LongestQueue   int64 `json:"longest_queue"`
	ExpiringSoon   int64 `json:"expiring_soon"`
}

// BuildDashboard counts what the display collaborator shows on its overview.
// Leases are interpreted through CalculateLeaseStatus, so callers may pass raw rows.
func BuildDashboard(resources []Resource, leases []Lease, entries []WaitlistEntry, now time.Time) DashboardStats {
	stats := DashboardStats{TotalResources: int64(len(resources))}
	soon := now.Add(ExpiringWindow)

	held := make(map[string]bool, len(leases))
	for _, l := range leases {
		if CalculateLeaseStatus(l, now) != LeaseActive {
			continue
		}
		held[l.ResourceID] = true
		stats.ActiveLeases++

		// expiring within the window
		if !l.EndAt.After(soon) {
			stats.ExpiringSoon++
		}
	}

	for _, r := range resources {
		if !held[r.ID] {
			stats.FreeResources++
		}
	}

	queues := make(map[string]int64)
	for _, e := range entries {
		stats.WaitingClients++
		queues[e.ResourceID]++
		if queues[e.ResourceID] > stats.LongestQueue {
			stats.LongestQueue = queues[e.ResourceID]
		}
	}

	return stats
}
