package core

// prompts.go holds the Vietnamese text shown to patients and the instruction
// used for staff handoff summaries.  Keeping the wording here makes it easy to
// tweak without touching the decision logic.

import (
	"fmt"
	"strings"

	types "triage-chatbot/pkg"
)

// symptomPrompts rotate by turn so a patient who keeps answering vaguely does
// not see the same sentence twice in a row.
var symptomPrompts = []string{
	"Xin chào! Tôi là trợ lý phân luồng khám bệnh. Bạn hãy mô tả triệu chứng chính mà bạn đang gặp phải (ví dụ: đau bụng, sốt, ho, ngứa da...).",
	"Tôi chưa nhận ra triệu chứng cụ thể. Bạn có thể cho biết bạn đang đau ở đâu hoặc cảm thấy khó chịu như thế nào không?",
	"Bạn vui lòng mô tả rõ hơn một chút: bạn có sốt, đau, ho, buồn nôn, nổi mẩn hay triệu chứng nào khác không?",
}

const moreSymptomsPrompt = "Bạn còn triệu chứng nào khác đi kèm không? Hãy kể thêm để tôi chọn đúng chuyên khoa cho bạn."

var questionPrompts = map[types.QuestionType]string{
	types.QuestionAgeGender:         "Cảm ơn bạn. Cho tôi hỏi bạn (hoặc người bệnh) bao nhiêu tuổi và là nam hay nữ?",
	types.QuestionLocation:          "Bạn cảm thấy đau hoặc khó chịu ở vị trí nào trên cơ thể?",
	types.QuestionDuration:          "Triệu chứng này đã kéo dài bao lâu rồi (hôm nay, mấy ngày, mấy tuần)?",
	types.QuestionSeverity:          "Bạn đánh giá mức độ khó chịu từ 1 đến 10 là bao nhiêu (1 là rất nhẹ, 10 là không chịu nổi)?",
	types.QuestionMoreSymptoms:      moreSymptomsPrompt,
	types.QuestionPregnancySeverity: "Vì bạn đang mang thai, tôi cần hỏi thêm: bạn có dấu hiệu nặng như ra máu, đau bụng dữ dội, ra nước ối, hoa mắt hay thai máy giảm không?",
}

const (
	// EscalateMessage is sent when no department can be determined by the
	// turn ceiling.  A staff member takes over from here.
	EscalateMessage = "Xin lỗi, tôi chưa đủ thông tin để xác định chuyên khoa phù hợp. Vui lòng đến quầy tiếp đón hoặc gặp nhân viên y tế để được hướng dẫn trực tiếp."

	// ClosedMessage answers messages that arrive after a session completed.
	ClosedMessage = "Cuộc trò chuyện này đã kết thúc. Nếu bạn có triệu chứng mới, vui lòng bấm \"Bắt đầu lại\" để được tư vấn từ đầu."

	// GenericErrorMessage is the only text returned for unexpected failures.
	GenericErrorMessage = "Hệ thống đang gặp sự cố. Vui lòng thử lại sau ít phút hoặc liên hệ quầy tiếp đón."

	obstetricsEmergencyName = "Phụ Sản - Cấp Cứu"

	// SummarizationInstruction asks the model for a short staff handoff note.
	SummarizationInstruction = "Chỉ dùng tiếng Việt. Từ nội dung hội thoại phân luồng dưới đây, hãy viết ghi chú bàn giao cho nhân viên y tế: " +
		"dòng đầu là tối đa 5 ý chính ngắn, mỗi ý cách nhau bằng dấu ';'. Sau đó một đoạn tóm tắt không quá 80 từ. " +
		"Không chẩn đoán, không đưa ra lời khuyên điều trị."
)

func symptomPrompt(turn int) string {
	return symptomPrompts[(max(turn, 1)-1)%len(symptomPrompts)]
}

func questionPrompt(q types.QuestionType, turn int) string {
	if q == types.QuestionSymptoms {
		return symptomPrompt(turn)
	}
	return questionPrompts[q]
}

func recommendationText(d types.Department, symptoms []string, followUps []string) string {
	var b strings.Builder
	if len(symptoms) > 0 {
		fmt.Fprintf(&b, "Dựa trên các triệu chứng bạn mô tả (%s), ", strings.Join(symptoms, ", "))
	} else {
		b.WriteString("Dựa trên thông tin bạn cung cấp, ")
	}
	fmt.Fprintf(&b, "bạn nên khám tại khoa %s - phòng %s", d.NameVI, d.Room)
	if d.Floor != "" {
		fmt.Fprintf(&b, ", %s", d.Floor)
	}
	if d.Building != "" {
		fmt.Fprintf(&b, ", %s", d.Building)
	}
	b.WriteString(".")
	if d.Doctor != "" {
		fmt.Fprintf(&b, " Bác sĩ phụ trách: %s.", d.Doctor)
	}
	if d.WorkingHours != "" {
		fmt.Fprintf(&b, " Giờ làm việc: %s.", d.WorkingHours)
	}
	if n := min(len(followUps), 2); n > 0 {
		fmt.Fprintf(&b, " Khi khám, bác sĩ có thể hỏi: %s", strings.Join(followUps[:n], " "))
	}
	return b.String()
}

func obstetricsText(d types.Department, emergency bool) string {
	if emergency {
		return fmt.Sprintf("⚠️ Dấu hiệu bạn mô tả khi đang mang thai cần được khám NGAY. Vui lòng đến %s (phòng %s, %s) hoặc gọi 115 nếu tình trạng nặng lên.",
			obstetricsEmergencyName, d.Room, d.Floor)
	}
	return recommendationText(d, nil, nil) + " Hãy mang theo sổ khám thai nếu có."
}

func redFlagText(r types.RedFlagRule) string {
	if r.RecommendedDepartment == "" {
		return r.WarningMessage
	}
	return fmt.Sprintf("%s Khoa tiếp nhận: %s.", r.WarningMessage, r.RecommendedDepartment)
}
