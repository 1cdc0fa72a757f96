package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrSessionInvalidated ErrCode = "SESSION_INVALIDATED"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Exam-specific ─────────────────────────────────────────────────
	ErrExamNotAvailable  ErrCode = "EXAM_NOT_AVAILABLE"
	ErrExamNotFound      ErrCode = "EXAM_NOT_FOUND"
	ErrAttemptNotFound   ErrCode = "ATTEMPT_NOT_FOUND"
	ErrAttemptSubmitted  ErrCode = "ATTEMPT_SUBMITTED"
	ErrAttemptInUse      ErrCode = "ATTEMPT_IN_USE"
	ErrInvalidAnswer     ErrCode = "INVALID_ANSWER"
	ErrInvalidViolation  ErrCode = "INVALID_VIOLATION"
	ErrUnknownQuestion   ErrCode = "UNKNOWN_QUESTION"
	ErrInvalidOption     ErrCode = "INVALID_OPTION"
	ErrUnknownAction     ErrCode = "UNKNOWN_ACTION"

	// ─── Proctored session ─────────────────────────────────────────────
	ErrLockAcquisitionFailed ErrCode = "LOCK_ACQUISITION_FAILED"
	ErrConfirmationRequired  ErrCode = "CONFIRMATION_REQUIRED"
	ErrSessionNotActive      ErrCode = "SESSION_NOT_ACTIVE"
	ErrInvalidTransition     ErrCode = "INVALID_TRANSITION"
	ErrSubmissionFailed      ErrCode = "SUBMISSION_FAILED"
	ErrSessionClosed         ErrCode = "SESSION_CLOSED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrSessionInvalidated:
		return "Sesi Anda telah berakhir. Silakan login kembali."
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrAdminAccessOnly:
		return "Sumber daya ini terbatas untuk administrator."
	case ErrPermissionDenied:
		return "Izin ditolak."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Anda sudah mengerjakan ujian ini."

	// ─── Exam-specific ─────────────────────────────────────────────────
	case ErrExamNotAvailable:
		return "Ujian ini saat ini tidak tersedia."
	case ErrExamNotFound:
		return "Ujian tidak ditemukan."
	case ErrAttemptNotFound:
		return "Anda belum memulai ujian ini."
	case ErrAttemptSubmitted:
		return "Jawaban ujian ini sudah dikumpulkan."
	case ErrAttemptInUse:
		return "Ujian ini sedang dikerjakan di perangkat atau tab lain."
	case ErrInvalidAnswer:
		return "Jawaban tidak valid."
	case ErrInvalidViolation:
		return "Jenis pelanggaran tidak dikenal."
	case ErrUnknownQuestion:
		return "Soal tidak ditemukan dalam ujian ini."
	case ErrInvalidOption:
		return "Pilihan jawaban di luar jangkauan."
	case ErrUnknownAction:
		return "Aksi tidak dikenal."

	// ─── Proctored session ─────────────────────────────────────────────
	case ErrLockAcquisitionFailed:
		return "Mode layar penuh wajib diaktifkan untuk memulai ujian."
	case ErrConfirmationRequired:
		return "Konfirmasi diperlukan sebelum mengumpulkan ujian."
	case ErrSessionNotActive:
		return "Sesi ujian tidak sedang berlangsung."
	case ErrInvalidTransition:
		return "Tindakan ini tidak dapat dilakukan pada tahap ujian saat ini."
	case ErrSubmissionFailed:
		return "Gagal mengumpulkan ujian. Silakan coba lagi."
	case ErrSessionClosed:
		return "Sesi ujian telah ditutup."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
