package model

import "testing"

// TestFileTransitions_HappyPath проверяет полную цепочку статусов ингестии.
func TestFileTransitions_HappyPath(t *testing.T) {
	chain := []FileStatus{
		FileUploading, FileUploaded, FileSyncing,
		FileProcessing, FileIndexing, FileCompleted,
	}

	for i := 0; i < len(chain)-1; i++ {
		if !CanTransitFile(chain[i], chain[i+1]) {
			t.Errorf("переход %s → %s должен быть допустим", chain[i], chain[i+1])
		}
	}
}

// TestFileTransitions_Backward проверяет запрет обратных переходов.
func TestFileTransitions_Backward(t *testing.T) {
	tests := []struct {
		from, to FileStatus
	}{
		{FileUploaded, FileUploading},
		{FileSyncing, FileUploaded},
		{FileProcessing, FileSyncing},
		{FileCompleted, FileIndexing},
		{FileCompleted, FileSyncing},
	}

	for _, tt := range tests {
		if CanTransitFile(tt.from, tt.to) {
			t.Errorf("переход %s → %s не должен быть допустим", tt.from, tt.to)
		}
	}
}

// TestFileTransitions_ErrorRetry проверяет единственный обратный переход:
// error → syncing (ручной retry без повторной загрузки).
func TestFileTransitions_ErrorRetry(t *testing.T) {
	if !CanTransitFile(FileError, FileSyncing) {
		t.Error("переход error → syncing должен быть допустим (retry)")
	}
	if CanTransitFile(FileError, FileUploaded) {
		t.Error("переход error → uploaded не должен быть допустим")
	}
	if err := ValidateFileTransition(FileError, FileCompleted); err == nil {
		t.Error("ValidateFileTransition(error, completed): ожидалась ошибка")
	}
}

// TestFileTransitions_ToError проверяет, что каждый нетерминальный статус
// может перейти в error.
func TestFileTransitions_ToError(t *testing.T) {
	for _, from := range []FileStatus{FileUploading, FileUploaded, FileSyncing, FileProcessing, FileIndexing} {
		if !CanTransitFile(from, FileError) {
			t.Errorf("переход %s → error должен быть допустим", from)
		}
	}
	if CanTransitFile(FileCompleted, FileError) {
		t.Error("переход completed → error не должен быть допустим")
	}
}

// TestIsValidFileStatus проверяет распознавание статусов.
func TestIsValidFileStatus(t *testing.T) {
	if !IsValidFileStatus(FileSyncing) {
		t.Error("syncing должен быть валидным статусом")
	}
	if IsValidFileStatus(FileStatus("unknown")) {
		t.Error("unknown не должен быть валидным статусом")
	}
}

// TestSessionTransitions проверяет матрицу переходов сессии загрузки.
func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionCreated, SessionReceiving, true},
		{SessionCreated, SessionAborted, true},
		{SessionCreated, SessionCompleted, true},
		{SessionReceiving, SessionCompleted, true},
		{SessionReceiving, SessionAborted, true},
		{SessionCompleted, SessionReceiving, false},
		{SessionCompleted, SessionAborted, false},
		{SessionAborted, SessionReceiving, false},
		{SessionReceiving, SessionCreated, false},
	}

	for _, tt := range tests {
		got := CanTransitSession(tt.from, tt.to)
		if got != tt.want {
			t.Errorf("CanTransitSession(%s, %s) = %v, ожидалось %v", tt.from, tt.to, got, tt.want)
		}
	}
}

// TestJobStatusIsTerminal проверяет терминальность статусов задания.
func TestJobStatusIsTerminal(t *testing.T) {
	if JobPending.IsTerminal() || JobRunning.IsTerminal() {
		t.Error("pending/running не должны быть терминальными")
	}
	if !JobCompleted.IsTerminal() || !JobFailed.IsTerminal() {
		t.Error("completed/failed должны быть терминальными")
	}
}

// TestPartsReceived проверяет подсчёт полученных частей.
func TestPartsReceived(t *testing.T) {
	s := &UploadSession{Parts: map[int32]PartInfo{}}
	if s.PartsReceived() != 0 {
		t.Errorf("PartsReceived() = %d, ожидалось 0", s.PartsReceived())
	}
	s.Parts[1] = PartInfo{ETag: "a", Size: 10}
	s.Parts[3] = PartInfo{ETag: "b", Size: 10}
	// Повтор того же номера не увеличивает счётчик
	s.Parts[1] = PartInfo{ETag: "c", Size: 10}
	if s.PartsReceived() != 2 {
		t.Errorf("PartsReceived() = %d, ожидалось 2", s.PartsReceived())
	}
}
