package logger

// LogTransfer logs the outcome of a single item transfer
func LogTransfer(itemID, accountID string, success bool, sizeBytes int64, err error) {
	fields := map[string]interface{}{
		"item_id":    itemID,
		"account":    accountID,
		"size_bytes": sizeBytes,
	}

	l := GetLogger().WithFields(fields)
	if err != nil {
		l.WithError(err).Error("Transfer failed")
	} else if success {
		l.Info("Transfer completed")
	} else {
		l.Warn("Transfer skipped")
	}
}

// LogRotation logs an account rotation event
func LogRotation(from, to string, reason string) {
	GetLogger().WithFields(map[string]interface{}{
		"from":   from,
		"to":     to,
		"reason": reason,
	}).Info("Rotated active account")
}

// LogQuota logs a per-account quota event
func LogQuota(accountID string, used, max int) {
	GetLogger().WithFields(map[string]interface{}{
		"account": accountID,
		"used":    used,
		"max":     max,
	}).Debug("Account quota updated")
}
