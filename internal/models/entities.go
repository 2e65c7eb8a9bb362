package models

// User is an account known to the local store. Settings and Preferences
// are device-local customizations kept across syncs.
type User struct {
	ID          string                 `json:"id"`
	Email       string                 `json:"email"`
	Name        string                 `json:"name"`
	Avatar      string                 `json:"avatar,omitempty"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
	Version     int64                  `json:"version"`
	CreatedAt   int64                  `json:"createdAt"`
	UpdatedAt   int64                  `json:"updatedAt"`
}

// Project groups sections and tasks.
type Project struct {
	ID         string `json:"id"`
	OwnerID    string `json:"ownerId"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	IsFavorite bool   `json:"isFavorite"`
	IsArchived bool   `json:"isArchived"`
	ViewStyle  string `json:"viewStyle,omitempty"` // list, board, calendar
	Order      int    `json:"order"`
	Version    int64  `json:"version"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Section is an ordered column inside a project.
type Section struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Order     int    `json:"order"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Task is a unit of work. ParentTaskID links subtasks.
type Task struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	Description  string   `json:"description,omitempty"`
	ProjectID    string   `json:"projectId"`
	SectionID    string   `json:"sectionId,omitempty"`
	ParentTaskID string   `json:"parentTaskId,omitempty"`
	LabelIDs     []string `json:"labelIds,omitempty"`
	Priority     int      `json:"priority"` // 1 (highest) .. 4
	DueDate      string   `json:"dueDate,omitempty"`
	Completed    bool     `json:"completed"`
	CompletedAt  int64    `json:"completedAt,omitempty"`
	Order        int      `json:"order"`
	Version      int64    `json:"version"`
	CreatedAt    int64    `json:"createdAt"`
	UpdatedAt    int64    `json:"updatedAt"`
}

// Label tags tasks across projects.
type Label struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Filter is a saved task query.
type Filter struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Name      string `json:"name"`
	Query     string `json:"query"`
	Color     string `json:"color,omitempty"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Comment belongs to a task or a project.
type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Attachment is file metadata hung off a comment or task.
type Attachment struct {
	ID        string `json:"id"`
	CommentID string `json:"commentId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	FileSize  int64  `json:"fileSize"`
	URL       string `json:"url"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}
